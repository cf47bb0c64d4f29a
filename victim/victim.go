// Package victim provides a reference VictimOracle: size-matched-then-LRU.
// The real production policy is an external collaborator per spec.md §1;
// this is scaffolding for tests and the `simulate` CLI command, grounded on
// the same size-bucket-first search the original gpu_odswap.cc's SwapOut
// loop describes ("the oracle is free to prefer same-size candidates via
// divided to minimize fragmentation").
package victim

import (
	"sync"

	"github.com/nvswap/tensorswap/swap"
)

// Oracle tracks last-touch order per handle so that, among same-size
// candidates, the least-recently-touched one is evicted first.
type Oracle struct {
	mu       sync.Mutex
	lastSeen map[swap.Handle]int64
	clock    int64
}

func New() *Oracle {
	return &Oracle{lastSeen: make(map[swap.Handle]int64)}
}

// Touch records that h was just admitted or consumed; call it from the
// DptrManager/Prefetcher glue each time a handle changes hands so the LRU
// order stays accurate. Never touching a handle just means it floats to
// the front of eviction candidacy, which is the correct default for a
// handle this oracle has never heard about.
func (o *Oracle) Touch(h swap.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock++
	o.lastSeen[h] = o.clock
}

// DecideVictim implements swap.VictimOracle: prefer an exact size match
// (minimizing fragmentation, per spec.md §4.1), falling back to the
// globally least-recently-touched candidate otherwise.
func (o *Oracle) DecideVictim(candidates []swap.Handle, device int, hint swap.VictimHint) (swap.Handle, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if hint.SizeKnown == nil || hint.SizeKnown(hint.SizeHint) {
		if bucket := hint.Divided[hint.SizeHint]; len(bucket) > 0 {
			return o.oldest(bucket), true
		}
	}
	return o.oldest(candidates), true
}

func (o *Oracle) oldest(candidates []swap.Handle) swap.Handle {
	best := candidates[0]
	bestSeen, ok := o.lastSeen[best]
	if !ok {
		bestSeen = -1
	}
	for _, h := range candidates[1:] {
		seen, ok := o.lastSeen[h]
		if !ok {
			seen = -1
		}
		if seen < bestSeen {
			best, bestSeen = h, seen
		}
	}
	return best
}
