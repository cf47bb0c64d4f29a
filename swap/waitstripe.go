package swap

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"
)

// numStripes bounds contention on the is_swapping wait/notify path: without
// striping, every handle's SwapIn/SwapOut would broadcast on one shared
// condition variable, waking goroutines waiting on unrelated handles.
const numStripes = 64

// waitStripes replaces the original source's spin-sleep-on-is_swapping loop
// (spec.md §9's design note) with condition variables, sharded by handle so
// unrelated handles don't contend on the same lock.
type waitStripes struct {
	mus   [numStripes]sync.Mutex
	conds [numStripes]*sync.Cond
}

func newWaitStripes() *waitStripes {
	w := &waitStripes{}
	for i := range w.conds {
		w.conds[i] = sync.NewCond(&w.mus[i])
	}
	return w
}

func stripeFor(h Handle) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(h))
	return int(xxhash.Checksum64(buf[:]) % numStripes)
}

// wait blocks until stillTrue returns false, waking on every broadcast on
// h's stripe in between. Caller must not hold the engine's swap_lock.
//
// stillTrue is rechecked under the stripe's own lock, not just before the
// call: the caller drops swap_lock and calls wait() as two separate steps,
// so a broadcaster that flips the predicate and calls broadcast() in that
// gap must not have its wakeup lost. Locking the stripe first and looping
// on stillTrue() inside that lock makes the check-then-sleep atomic with
// broadcast's own lock/Broadcast/unlock, the same way any condition
// variable's predicate must be guarded by the lock it's waited under.
func (w *waitStripes) wait(h Handle, stillTrue func() bool) {
	i := stripeFor(h)
	w.mus[i].Lock()
	for stillTrue() {
		w.conds[i].Wait()
	}
	w.mus[i].Unlock()
}

// broadcast wakes every goroutine waiting on h's stripe (and, harmlessly,
// any other handle sharing the stripe — those simply re-check their own
// is_swapping flag and go back to waiting).
func (w *waitStripes) broadcast(h Handle) {
	i := stripeFor(h)
	w.mus[i].Lock()
	w.conds[i].Broadcast()
	w.mus[i].Unlock()
}
