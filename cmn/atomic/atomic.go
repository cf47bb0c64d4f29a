// Package atomic re-exports the vetted atomic types this module standardizes
// on, the same way aistore's own cmn/atomic re-exports a single vendored
// implementation instead of letting every package hand-roll CAS loops.
package atomic

import "go.uber.org/atomic"

type (
	Bool    = atomic.Bool
	Int32   = atomic.Int32
	Int64   = atomic.Int64
	Uint32  = atomic.Uint32
	Uint64  = atomic.Uint64
	Value   = atomic.Value
)

var (
	NewBool   = atomic.NewBool
	NewInt32  = atomic.NewInt32
	NewInt64  = atomic.NewInt64
	NewUint32 = atomic.NewUint32
	NewUint64 = atomic.NewUint64
)
