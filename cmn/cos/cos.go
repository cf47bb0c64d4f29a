// Package cos holds small, shared helpers with no better home, the way
// aistore's cmn/cos does for its callers (xact/xs/tcb.go, tcobjs.go import
// it for cos.IsEOF/cos.IsErrOOS-style predicates and module-name constants).
package cos

import (
	"errors"
	"fmt"
)

const (
	KiB = int64(1024)
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// ToSizeIEC renders a byte count the way operator-facing output should
// (diagnostics, the CLI, trace sinks) rather than raw integers.
func ToSizeIEC(b int64) string {
	switch {
	case b >= GiB:
		return fmt.Sprintf("%.2fGiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.2fMiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.2fKiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// ErrOutOfSwappable is returned up the stack when SwapOut finds no
// swappable handle left to evict — spec.md §7's "Out-of-swappable" kind.
// Callers surface it as an allocation failure; it is not retried internally.
var ErrOutOfSwappable = errors.New("out of swappable handles")

func IsErrOutOfSwappable(err error) bool {
	return errors.Is(err, ErrOutOfSwappable)
}
