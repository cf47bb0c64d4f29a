package victim_test

import (
	"testing"

	"github.com/nvswap/tensorswap/swap"
	"github.com/nvswap/tensorswap/victim"
)

func TestDecideVictimPrefersSameSize(t *testing.T) {
	o := victim.New()
	o.Touch(1)
	o.Touch(2)
	hint := swap.VictimHint{
		SizeHint:  64,
		Divided:   map[int64][]swap.Handle{32: {1}, 64: {2}},
		SizeKnown: func(n int64) bool { return n == 32 || n == 64 },
	}
	got, ok := o.DecideVictim([]swap.Handle{1, 2}, 0, hint)
	if !ok || got != 2 {
		t.Fatalf("expected same-size match handle 2, got %v ok=%v", got, ok)
	}
}

func TestDecideVictimFallsBackToOldest(t *testing.T) {
	o := victim.New()
	o.Touch(1)
	o.Touch(2) // 2 touched more recently than 1
	hint := swap.VictimHint{SizeHint: 999, SizeKnown: func(int64) bool { return false }}
	got, ok := o.DecideVictim([]swap.Handle{1, 2}, 0, hint)
	if !ok || got != 1 {
		t.Fatalf("expected least-recently-touched handle 1, got %v ok=%v", got, ok)
	}
}

func TestDecideVictimEmptyCandidates(t *testing.T) {
	o := victim.New()
	if _, ok := o.DecideVictim(nil, 0, swap.VictimHint{}); ok {
		t.Fatal("expected false for an empty candidate set")
	}
}
