// Package prefetch implements the background worker spec.md §4.2
// describes: replaying a recorded per-node access sequence ahead of the
// executor, gated by a counting semaphore so a stall never lets it
// monopolize DMA.
package prefetch

import (
	"sync"

	"github.com/nvswap/tensorswap/cmn/nlog"
	"github.com/nvswap/tensorswap/swap"
)

// Engine is the subset of swap.Engine the Prefetcher depends on — kept as
// an interface so tests can substitute a fake without pulling in the full
// swap package's collaborators.
type Engine interface {
	GetAddr(h swap.Handle, mode swap.GetAddrMode) (uintptr, bool)
}

// Prefetcher replays prefetch_sequence — one inner slice of handles per
// graph node, recorded during iteration 1 — against Engine.GetAddr in
// PREFETCH mode, ahead of the executor.
type Prefetcher struct {
	mu       sync.Mutex
	sequence [][]swap.Handle
	nodeIdx  int
	posInNode int

	numLoop      int
	iterationIdx func() int // current iteration, supplied by the caller (dptr.Manager)

	wake chan struct{} // prefetch_sem: one-shot rendezvous, posted by SignalContinue

	engine  Engine
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Prefetcher against engine. numLoop is MXNET_NUM_LOOP
// (spec.md §6); iterationIdx lets the caller report the iteration counter
// without the Prefetcher needing to own it (spec.md §9: inject
// collaborators explicitly rather than reaching for globals).
func New(engine Engine, numLoop int, iterationIdx func() int) *Prefetcher {
	return &Prefetcher{
		engine:       engine,
		numLoop:      numLoop,
		iterationIdx: iterationIdx,
		wake:         make(chan struct{}, 1),
	}
}

// PushHandlesToPrefetch appends a new node's handle list to the sequence,
// called from DptrManager.NotifyDone during iteration 1 (trace capture).
func (p *Prefetcher) PushHandlesToPrefetch(handles []swap.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]swap.Handle, len(handles))
	copy(cp, handles)
	p.sequence = append(p.sequence, cp)
}

// SignalContinue posts prefetch_sem — called by DptrManager.NotifyDone once
// a node completes and frees at least one locked handle, giving the
// prefetcher room to make progress.
func (p *Prefetcher) SignalContinue() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// StartPrefetching spawns the replay loop. Idempotent: a second call while
// already running is a no-op, matching spec.md §5's "StopPrefetching is a
// no-op" cancellation model (there is no mid-run restart either).
func (p *Prefetcher) StartPrefetching() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop()
}

// Wait blocks until the replay loop has self-terminated (spec.md §5: the
// prefetcher exits once the iteration counter reaches num_loop; there is no
// mid-iteration cancellation).
func (p *Prefetcher) Wait() {
	p.mu.Lock()
	done := p.doneCh
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Prefetcher) loop() {
	defer close(p.doneCh)
	for {
		h, atEnd, exhausted := p.nextHandle()
		if exhausted {
			nlog.Infoln("prefetcher: reached num_loop, exiting")
			return
		}
		if atEnd {
			continue // sequence wrapped; nextHandle already advanced nodeIdx
		}
		if _, ok := p.engine.GetAddr(h, swap.ModePrefetch); ok {
			p.advance()
			continue
		}
		// No room: wait for SignalContinue without advancing, per spec.md
		// §4.2's ordering guarantee — never proceed past a handle that
		// failed admission until the engine signals progress.
		<-p.wake
	}
}

// nextHandle returns the handle at the current cursor, or signals that the
// sequence just wrapped (atEnd) or that num_loop has been reached
// (exhausted) — spec.md §4.2 step 2's exact termination condition, checked
// against the iteration about to be entered, not iterations completed.
func (p *Prefetcher) nextHandle() (h swap.Handle, atEnd, exhausted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sequence) == 0 {
		return 0, true, false
	}
	if p.nodeIdx >= len(p.sequence) {
		if p.iterationIdx() >= p.numLoop {
			return 0, false, true
		}
		p.nodeIdx = 0
		p.posInNode = 0
		return 0, true, false
	}
	node := p.sequence[p.nodeIdx]
	if p.posInNode >= len(node) {
		p.nodeIdx++
		p.posInNode = 0
		return 0, true, false
	}
	return node[p.posInNode], false, false
}

func (p *Prefetcher) advance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posInNode++
}
