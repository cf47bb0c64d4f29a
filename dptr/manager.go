// Package dptr implements the engine-facing façade (DptrManager) and its
// Factory, translating the surrounding execution engine's per-node
// allocate/free/get/set calls into swap.Engine operations once the access
// trace has been captured — spec.md §4.3.
package dptr

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nvswap/tensorswap/cmn"
	"github.com/nvswap/tensorswap/cmn/cos"
	"github.com/nvswap/tensorswap/cmn/debug"
	"github.com/nvswap/tensorswap/cmn/nlog"
	"github.com/nvswap/tensorswap/prefetch"
	"github.com/nvswap/tensorswap/swap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// engine is the subset of swap.Engine the façade depends on.
type engine interface {
	SetAddr(h swap.Handle, dptr uintptr, size int64, device int, isPre bool)
	GetAddr(h swap.Handle, mode swap.GetAddrMode) (uintptr, bool)
	FreeAddr(h swap.Handle)
	DelAddr(h swap.Handle)
	StartComputing(handles []swap.Handle)
	StopComputing(handles []swap.Handle)
	SwapOut(required int64, device int) bool
}

type prefetcher interface {
	PushHandlesToPrefetch(handles []swap.Handle)
	SignalContinue()
	StartPrefetching()
}

// Manager is the on-demand DptrManager variant: a per-iteration state
// machine, exactly spec.md §4.3's table.
type Manager struct {
	mu sync.Mutex

	engine     engine
	prefetcher prefetcher
	alloc      swap.Allocator
	cfg        *cmn.Config

	iteration int // 0 = binding, 1 = trace capture, >=2 = steady state

	fakeMemory uintptr
	fakeSize   int64

	tempMemory uintptr
	tempSize   int64
	temporary  map[swap.Handle]bool // handles satisfied out of tempMemory

	unallocedDptrs map[swap.Handle]bool // iteration-0 aliased pointers not yet materialized
	dptrSize       map[swap.Handle]int64

	curNodeIdx  int
	nodeHandles map[int][]swap.Handle // node index (within iteration 1) -> handles touched
	nodeOrder   []int
}

// Statistics is the JSON-encodable snapshot dptr.Manager.Statistics()
// returns, the façade surface spec.md §6 names.
type Statistics struct {
	Iteration       int `json:"iteration"`
	NodesRecorded   int `json:"nodes_recorded"`
	HandlesRecorded int `json:"handles_recorded"`
}

// New constructs the on-demand façade against its collaborators.
func New(eng engine, pf prefetcher, alloc swap.Allocator, cfg *cmn.Config) *Manager {
	if cfg == nil {
		cfg = cmn.Default()
	}
	return &Manager{
		engine:         eng,
		prefetcher:     pf,
		alloc:          alloc,
		cfg:            cfg,
		temporary:      make(map[swap.Handle]bool),
		unallocedDptrs: make(map[swap.Handle]bool),
		dptrSize:       make(map[swap.Handle]int64),
		nodeHandles:    make(map[int][]swap.Handle),
	}
}

// StartBinding probes MemGetInfo and backs off by a fixed delta until
// TryAllocate succeeds, then Mallocs fake_memory_ — exactly
// on_demand_swap_mm_dptr.h's StartBinding, per SPEC_FULL's SUPPLEMENTED
// DETAIL section.
func (m *Manager) StartBinding(device int) error {
	const delta = int64(1e9)
	free, _, err := m.alloc.MemGetInfo(device)
	if err != nil {
		return errors.Wrap(err, "StartBinding: MemGetInfo")
	}
	want := free
	for want > 0 && !m.alloc.TryAllocate(device, want) {
		want -= delta
	}
	if want <= 0 {
		return errors.New("StartBinding: no device memory available even at minimum request")
	}
	ptr, err := m.alloc.Malloc(device, want)
	if err != nil {
		return errors.Wrap(err, "StartBinding: Malloc fake_memory_")
	}
	m.mu.Lock()
	m.fakeMemory = ptr
	m.fakeSize = want
	ratio := m.cfg.GPUTempRatioGiB
	m.tempSize = int64(ratio * float64(1<<30))
	m.mu.Unlock()
	return nil
}

// StopBinding ends the preparation phase. No-op beyond the state already
// tracked by StartBinding; kept as a named call so the façade surface
// matches spec.md §6 exactly.
func (m *Manager) StopBinding() {}

// StartAllocArgs/StopAllocArgs bracket symbolic-size computation during
// iteration 0; the original source treats both as no-ops.
func (m *Manager) StartAllocArgs() {}
func (m *Manager) StopAllocArgs()  {}

// RegisterEntry is a no-op hook in the original source, kept for façade
// surface parity with spec.md §6.
func (m *Manager) RegisterEntry(swap.Handle) {}

// StartIteration begins one forward/backward pass.
func (m *Manager) StartIteration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.curNodeIdx = 0
}

// StopIteration frees fake_memory_ once iteration 1 (trace capture) ends,
// per spec.md §4.3's table, and advances the iteration counter.
func (m *Manager) StopIteration() {
	m.mu.Lock()
	iter := m.iteration
	fakePtr := m.fakeMemory
	m.iteration++
	m.mu.Unlock()

	if iter == 1 && fakePtr != 0 {
		if err := m.alloc.Free(0, fakePtr); err != nil {
			nlog.Errorf("StopIteration: free fake_memory_: %v", err)
		}
		m.mu.Lock()
		m.fakeMemory = 0
		m.mu.Unlock()
	}
}

// Alloc handles a symbolic or temporary allocation request, per spec.md
// §4.3's Alloc row.
func (m *Manager) Alloc(h swap.Handle, size int64, device int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dptrSize[h] = size

	switch {
	case m.iteration == 0:
		// Alias the handle's numeric value as a synthetic, never-dereferenced
		// pointer (spec.md §9's Open Question) purely as an opaque map key.
		ptr := uintptr(h)
		m.unallocedDptrs[h] = true
		m.engine.SetAddr(h, ptr, size, device, true)
		return nil
	case m.iteration == 1:
		if size > m.tempSize {
			return errors.Errorf("Alloc: temporary %d (%d bytes) exceeds temp_memory_ (%d bytes)", h, size, m.tempSize)
		}
		m.temporary[h] = true
		return nil
	default:
		if !m.temporary[h] {
			return errors.Errorf("Alloc: illegal allocation of non-temporary handle %d at iteration %d", h, m.iteration)
		}
		return nil
	}
}

// Free forwards to DelAddr, except for temporaries which are never
// individually freed (they live in the shared temp_memory_ region).
func (m *Manager) Free(h swap.Handle) {
	m.mu.Lock()
	isTemp := m.temporary[h]
	m.mu.Unlock()
	if isTemp {
		return
	}
	m.engine.DelAddr(h)
}

// Release is a no-op in the original source.
func (m *Manager) Release(swap.Handle) {}

// NotifyBegin brackets the start of a graph node's execution.
func (m *Manager) NotifyBegin(nodeID int, name string) {
	m.mu.Lock()
	iter := m.iteration
	m.curNodeIdx = nodeID
	handles := append([]swap.Handle(nil), m.nodeHandles[nodeID]...)
	m.mu.Unlock()

	switch {
	case iter == 1:
		nlog.Debugf("node %d (%s): trace capture begin", nodeID, name)
	case iter >= 2:
		m.engine.StartComputing(handles)
	}
}

// NotifyDone brackets the end of a graph node's execution.
func (m *Manager) NotifyDone(nodeID int) {
	m.mu.Lock()
	iter := m.iteration
	handles := append([]swap.Handle(nil), m.nodeHandles[nodeID]...)
	isPenultimate := len(m.nodeOrder) >= 2 && nodeID == m.nodeOrder[len(m.nodeOrder)-2]
	m.mu.Unlock()

	switch {
	case iter == 1:
		m.prefetcher.PushHandlesToPrefetch(handles)
	case iter >= 2:
		m.engine.StopComputing(handles)
		switch {
		case iter == 2 && isPenultimate:
			m.prefetcher.StartPrefetching()
		case iter >= 3:
			m.prefetcher.SignalContinue()
		}
	}
}

// GetDptr resolves h to a usable device pointer for the current iteration,
// per spec.md §4.3's table.
func (m *Manager) GetDptr(h swap.Handle) (uintptr, error) {
	m.mu.Lock()
	iter := m.iteration
	isTemp := m.temporary[h]
	if isTemp {
		ptr := m.tempMemory
		m.mu.Unlock()
		return ptr, nil
	}
	switch {
	case iter == 0:
		ptr := m.fakeMemory
		m.mu.Unlock()
		return ptr, nil
	case iter == 1:
		m.nodeHandles[m.curNodeIdx] = append(m.nodeHandles[m.curNodeIdx], h)
		if !containsInt(m.nodeOrder, m.curNodeIdx) {
			m.nodeOrder = append(m.nodeOrder, m.curNodeIdx)
		}
		ptr := m.fakeMemory
		m.mu.Unlock()
		return ptr, nil
	case iter == 2:
		unalloced := m.unallocedDptrs[h]
		size := m.dptrSize[h]
		device := 0
		m.mu.Unlock()
		if unalloced {
			ptr, err := m.allocReal(size, device)
			if err != nil {
				return 0, err
			}
			m.engine.SetAddr(h, ptr, size, device, false)
			m.mu.Lock()
			delete(m.unallocedDptrs, h)
			m.mu.Unlock()
			return ptr, nil
		}
		ptr, ok := m.engine.GetAddr(h, swap.ModeAlloc)
		if !ok {
			return 0, errors.Wrapf(cos.ErrOutOfSwappable, "GetDptr: ALLOC admission failed for handle %d", h)
		}
		return ptr, nil
	default:
		m.mu.Unlock()
		ptr, ok := m.engine.GetAddr(h, swap.ModeNormal)
		if !ok {
			return 0, errors.Wrapf(cos.ErrOutOfSwappable, "GetDptr: NORMAL admission failed for handle %d", h)
		}
		return ptr, nil
	}
}

// allocReal materializes real device backing for a handle that was only
// symbolically allocated at iteration 0 — SwapOut to make room, then
// Malloc, mirroring on_demand_swap_mm_dptr.h's private Alloc_ helper.
func (m *Manager) allocReal(size int64, device int) (uintptr, error) {
	if !m.engine.SwapOut(size, device) {
		return 0, errors.Wrapf(cos.ErrOutOfSwappable, "allocReal: no room for %d bytes on device %d", size, device)
	}
	ptr, err := m.alloc.Malloc(device, size)
	if err != nil {
		return 0, errors.Wrap(err, "allocReal: Malloc")
	}
	return ptr, nil
}

// SetDptr forwards a pre-existing allocation into the engine. Asserts the
// pointer isn't the iteration-0 stub, per the original source.
func (m *Manager) SetDptr(h swap.Handle, ptr uintptr, device int) {
	m.mu.Lock()
	fake := m.fakeMemory
	size := m.dptrSize[h]
	m.mu.Unlock()
	debug.Assert(ptr != fake, "SetDptr: caller passed fake_memory_ as a real pointer")
	m.engine.SetAddr(h, ptr, size, device, true)
}

// Statistics returns a JSON-marshalable snapshot for the CLI/operator
// surface, encoded with jsoniter the way aistore's own CLI does.
func (m *Manager) Statistics() ([]byte, error) {
	m.mu.Lock()
	snap := Statistics{
		Iteration:       m.iteration,
		NodesRecorded:   len(m.nodeOrder),
		HandlesRecorded: len(m.dptrSize),
	}
	m.mu.Unlock()
	return json.Marshal(snap)
}

// Finish is a no-op in the original source.
func (m *Manager) Finish() {}

// Iteration reports the current iteration counter — used to drive the
// Prefetcher's termination check (spec.md §4.2 step 2) without it needing
// to own the counter itself.
func (m *Manager) Iteration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iteration
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
