// Package mono provides monotonic-clock helpers, mirroring aistore's
// cmn/mono (used in xact/xs/tcb.go's quiescence callback as mono.Since,
// mono.NanoTime) so swap-timing diagnostics never regress on wall-clock
// adjustments.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start, monotonic.
func NanoTime() int64 {
	return int64(time.Since(start))
}

// Since returns the duration elapsed since a NanoTime() reading.
func Since(ns int64) time.Duration {
	return time.Duration(NanoTime() - ns)
}
