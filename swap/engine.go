// Package swap implements the handle-indexed swap engine spec.md §4.1
// describes: a reader/writer-lock-guarded address table arbitrating device
// allocations against a VictimOracle and asynchronous device<->host DMA.
package swap

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/nvswap/tensorswap/cmn"
	"github.com/nvswap/tensorswap/cmn/mono"
	"github.com/nvswap/tensorswap/cmn/nlog"
)

// Engine is the swap_lock-guarded singleton spec.md §4.1/§9 describes,
// reworked into an explicit, injectable instance (§9's "re-architect by
// injecting them through an explicit context" design note) so tests can run
// isolated engines in parallel.
type Engine struct {
	mu      sync.RWMutex
	table   map[Handle]*SwapInfo
	devices map[int]*deviceTables

	waits   *waitStripes
	swapSem chan struct{} // one-shot rendezvous: GetAddr(NORMAL) miss <-> progress

	dmaLimiter *semaphore.Weighted // bounds concurrent in-flight device<->host DMA

	alloc   Allocator
	host    HostAllocator
	oracle  VictimOracle
	trace   *Sink
	metrics *Metrics
	cfg     *cmn.Config

	lockedPerDevice map[int]int64 // distinct locked (pinned) handles, not lock-count sum
}

// NewEngine wires an Engine against its external collaborators. maxDMA
// bounds concurrent device<->host transfers (spec.md §1 assumes the
// Allocator capability provides async DMA primitives, but says nothing
// about how many may run at once); 0 defaults to 4.
func NewEngine(alloc Allocator, host HostAllocator, oracle VictimOracle, cfg *cmn.Config, trace *Sink, metrics *Metrics, maxDMA int64) *Engine {
	if maxDMA <= 0 {
		maxDMA = 4
	}
	if cfg == nil {
		cfg = cmn.Default()
	}
	return &Engine{
		table:           make(map[Handle]*SwapInfo),
		devices:         make(map[int]*deviceTables),
		waits:           newWaitStripes(),
		swapSem:         make(chan struct{}, 1),
		dmaLimiter:      semaphore.NewWeighted(maxDMA),
		alloc:           alloc,
		host:            host,
		oracle:          oracle,
		trace:           trace,
		metrics:         metrics,
		cfg:             cfg,
		lockedPerDevice: make(map[int]int64),
	}
}

// updateDeviceGauges refreshes the resident/locked gauges for device. Called
// with e.mu held, after any change to that device's swappable set or locked
// count; a no-op if metrics weren't wired in.
func (e *Engine) updateDeviceGauges(device int) {
	if e.metrics == nil || device < 0 {
		return
	}
	var resident int
	if dt, ok := e.devices[device]; ok {
		resident = len(dt.swappable)
	}
	label := strconv.Itoa(device)
	e.metrics.ResidentGauge.WithLabelValues(label).Set(float64(resident))
	e.metrics.LockedGauge.WithLabelValues(label).Set(float64(e.lockedPerDevice[device]))
}

func (e *Engine) deviceTablesLocked(device int) *deviceTables {
	dt, ok := e.devices[device]
	if !ok {
		dt = newDeviceTables()
		e.devices[device] = dt
	}
	return dt
}

// SetAddr mirrors spec.md §4.1's SetAddr exactly, including the original
// source's nil-pointer no-op guard.
func (e *Engine) SetAddr(h Handle, dptr uintptr, size int64, device int, isPre bool) {
	if dptr == 0 {
		return
	}
	e.mu.Lock()
	if isPre {
		if _, exists := e.table[h]; exists {
			e.mu.Unlock()
			fatalf("SetAddr: handle %d already has a record (double create)", h)
			return
		}
		info := &SwapInfo{Handle: h, SwappedIn: true, DeviceID: device, Dptr: dptr, Size: size}
		e.table[h] = info
		if device >= 0 {
			e.deviceTablesLocked(device).insert(h, size)
			e.updateDeviceGauges(device)
		}
	} else {
		info, ok := e.table[h]
		if !ok {
			e.mu.Unlock()
			fatalf("SetAddr: update for unknown handle %d", h)
			return
		}
		info.Dptr = dptr
	}
	e.mu.Unlock()
	if device >= 0 && isPre {
		e.emitTrace(TraceSetAddr, h, device, size)
	}
}

func (e *Engine) freeOrDel(h Handle, freeDevice bool) {
	e.mu.Lock()
	info, ok := e.table[h]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.table, h)
	if info.DeviceID >= 0 {
		if dt, ok := e.devices[info.DeviceID]; ok {
			dt.remove(h, info.Size)
		}
		if info.lockedCount > 0 {
			e.lockedPerDevice[info.DeviceID]--
		}
		e.updateDeviceGauges(info.DeviceID)
	}
	cpu, dptr, device, size, swappedIn := info.CPUAddress, info.Dptr, info.DeviceID, info.Size, info.SwappedIn
	e.mu.Unlock()

	if freeDevice && swappedIn && dptr != 0 {
		if err := e.alloc.Free(device, dptr); err != nil {
			fatal(errors.Wrap(err, "FreeAddr: device free"))
		}
	}
	if cpu != 0 && !e.cfg.InfiniteCPUMemory {
		if err := e.host.FreePinned(cpu, size); err != nil {
			fatal(errors.Wrap(err, "free pinned host memory"))
		}
	}
	if device >= 0 {
		e.emitTrace(TraceDelAddr, h, device, size)
	}
}

// FreeAddr destroys h's record, freeing the device buffer if resident and
// the pinned host backing (unless infinite_cpu_memory is configured).
func (e *Engine) FreeAddr(h Handle) { e.freeOrDel(h, true) }

// DelAddr destroys h's record without freeing the device buffer — the
// caller already knows it isn't (or no longer needs to be) live.
func (e *Engine) DelAddr(h Handle) { e.freeOrDel(h, false) }

// GetAddr resolves h to its resident device pointer, admitting it via
// SwapIn on a miss per the mode's semantics (spec.md §4.1).
func (e *Engine) GetAddr(h Handle, mode GetAddrMode) (uintptr, bool) {
	e.mu.Lock()
	info, ok := e.table[h]
	if !ok {
		e.mu.Unlock()
		return 0, false
	}
	if !info.SwappedIn {
		switch mode {
		case ModeAlloc, ModePrefetch:
			if !e.swapInLocked(info) {
				e.mu.Unlock()
				return 0, false
			}
		case ModeNormal:
			for !info.SwappedIn {
				info.isWaiting.Store(true)
				e.mu.Unlock()
				<-e.swapSem
				e.mu.Lock()
			}
			info.isWaiting.Store(false)
			select {
			case e.swapSem <- struct{}{}:
			default:
			}
		}
	}
	if mode == ModePrefetch {
		if info.lockedCount == 0 && info.DeviceID >= 0 {
			e.lockedPerDevice[info.DeviceID]++
		}
		info.lockedCount++
	}
	if info.DeviceID >= 0 {
		if dt, ok := e.devices[info.DeviceID]; ok {
			dt.remove(h, info.Size)
		}
		e.updateDeviceGauges(info.DeviceID)
	}
	dptr, device, size := info.Dptr, info.DeviceID, info.Size
	e.mu.Unlock()
	if mode == ModeNormal && device >= 0 {
		e.emitTrace(TraceGetAddr, h, device, size)
	}
	return dptr, true
}

// swapInLocked runs spec.md §4.1's SwapIn. Called and returns with e.mu
// held; releases it internally around the spin-wait and the DMA.
func (e *Engine) swapInLocked(info *SwapInfo) bool {
	h := info.Handle
	for info.isSwapping.Load() {
		e.mu.Unlock()
		e.waits.wait(h, info.isSwapping.Load)
		e.mu.Lock()
	}
	if info.SwappedIn {
		return true
	}
	info.isSwapping.Store(true)
	device, size, async := info.DeviceID, info.Size, e.cfg.SwapAsync

	if !e.swapOutLocked(size, device, async) {
		info.isSwapping.Store(false)
		e.waits.broadcast(h)
		return false
	}

	dptr, err := e.alloc.Malloc(device, size)
	if err != nil {
		fatal(errors.Wrap(err, "SwapIn: Malloc after eviction"))
	}
	info.Dptr = dptr
	cpu := info.CPUAddress

	e.mu.Unlock()
	e.runDMA(func() error {
		if e.cfg.InfiniteMemory {
			return nil
		}
		if async {
			if err := e.alloc.MemcpyAsync(dptr, cpu, size, CopyHostToDevice, device); err != nil {
				return err
			}
			return e.alloc.StreamSynchronize(device, StreamIn)
		}
		return e.alloc.Memcpy(dptr, cpu, size, CopyHostToDevice)
	}, "SwapIn: copy host to device")
	e.mu.Lock()

	info.SwappedIn = true
	info.isSwapping.Store(false)
	if info.lockedCount == 0 && info.DeviceID >= 0 {
		// Invariant 3: resident + unlocked + not mid-swap must be
		// swappable. A caller that's about to consume h (GetAddr) removes
		// it again right after this returns; a bare SwapIn leaves it here.
		e.deviceTablesLocked(info.DeviceID).insert(h, info.Size)
		e.updateDeviceGauges(info.DeviceID)
	}
	e.waits.broadcast(h)
	e.nudgeWaiters()
	if e.metrics != nil {
		e.metrics.SwapInTotal.Inc()
		e.metrics.SwapInBytes.Add(float64(size))
	}
	return true
}

// nudgeWaiters posts swap_sem (non-blocking) whenever the table state
// changes in a way that might unblock a GetAddr(NORMAL) waiter — an
// admission or an eviction both count as progress.
func (e *Engine) nudgeWaiters() {
	select {
	case e.swapSem <- struct{}{}:
	default:
	}
}

// runDMA serializes fn behind the DMA concurrency limiter; fn's failure is
// always fatal per spec.md §7 ("DMA errors: fatal").
func (e *Engine) runDMA(fn func() error, what string) {
	if err := e.dmaLimiter.Acquire(context.Background(), 1); err != nil {
		fatal(errors.Wrap(err, "acquire DMA slot"))
	}
	defer e.dmaLimiter.Release(1)
	if err := fn(); err != nil {
		fatal(errors.Wrap(err, what))
	}
}

// SwapOut evicts handles on device until required bytes are available,
// spec.md §4.1's victim loop. Exposed publicly so callers (tests,
// dptr.Manager's first-touch allocation) can drive eviction directly, and
// used internally by swapInLocked to make room for an admission.
func (e *Engine) SwapOut(required int64, device int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.swapOutLocked(required, device, e.cfg.SwapAsync)
}

func (e *Engine) swapOutLocked(required int64, device int, async bool) bool {
	for !e.alloc.TryAllocate(device, required) {
		dt, ok := e.devices[device]
		if !ok || len(dt.swappable) == 0 {
			if e.metrics != nil {
				e.metrics.OutOfSwappable.Inc()
			}
			return false
		}
		hint := VictimHint{SizeHint: required, Divided: dt.snapshotDivided(), SizeKnown: dt.hasSize}
		v, ok := e.oracle.DecideVictim(dt.snapshotSwappable(), device, hint)
		if !ok {
			if e.metrics != nil {
				e.metrics.OutOfSwappable.Inc()
			}
			return false
		}
		info, ok := e.table[v]
		if !ok {
			continue // oracle raced with a concurrent remove; retry the loop
		}
		if info.CPUAddress == 0 {
			addr, err := e.host.AllocPinned(info.Size)
			if err != nil {
				fatal(errors.Wrap(err, "SwapOut: allocate pinned host memory"))
			}
			info.CPUAddress = addr
		}
		if info.isSwapping.Load() {
			fatalf("SwapOut: victim %d already mid-swap, violates invariant 6", v)
		}
		info.isSwapping.Store(true)
		info.SwappedIn = false
		dt.remove(v, info.Size)
		e.updateDeviceGauges(device)

		dptr, cpu, size, vdevice := info.Dptr, info.CPUAddress, info.Size, info.DeviceID

		e.mu.Unlock()
		e.runDMA(func() error {
			if e.cfg.InfiniteMemory {
				return nil
			}
			if async {
				if err := e.alloc.MemcpyAsync(cpu, dptr, size, CopyDeviceToHost, vdevice); err != nil {
					return err
				}
				return e.alloc.StreamSynchronize(vdevice, StreamOut)
			}
			return e.alloc.Memcpy(cpu, dptr, size, CopyDeviceToHost)
		}, "SwapOut: copy device to host")
		if err := e.alloc.Free(vdevice, dptr); err != nil {
			fatal(errors.Wrap(err, "SwapOut: free evicted device buffer"))
		}
		e.mu.Lock()

		info.Dptr = 0
		info.SwapCount++
		info.isSwapping.Store(false)
		e.waits.broadcast(v)
		e.nudgeWaiters()
		if e.metrics != nil {
			e.metrics.SwapOutTotal.Inc()
			e.metrics.SwapOutBytes.Add(float64(size))
		}
	}
	return true
}

// SwapIn admits h, making room via SwapOut if necessary. Exposed for direct
// use by tests.
func (e *Engine) SwapIn(h Handle) bool {
	e.mu.Lock()
	info, ok := e.table[h]
	if !ok {
		e.mu.Unlock()
		return false
	}
	ok = e.swapInLocked(info)
	e.mu.Unlock()
	return ok
}

// StartComputing increments each handle's lock count (spec.md §4.1).
func (e *Engine) StartComputing(handles []Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range handles {
		info, ok := e.table[h]
		if !ok {
			fatalf("StartComputing: unknown handle %d", h)
		}
		if info.lockedCount == 0 && info.DeviceID >= 0 {
			if info.SwappedIn {
				if dt, ok := e.devices[info.DeviceID]; ok {
					dt.remove(h, info.Size)
				}
			}
			e.lockedPerDevice[info.DeviceID]++
			e.updateDeviceGauges(info.DeviceID)
		}
		info.lockedCount++
	}
}

// StopComputing decrements each handle's lock count, reinserting it into
// swappable/divided once the count reaches zero. Fatal if a handle wasn't
// locked, per spec.md §7.
func (e *Engine) StopComputing(handles []Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range handles {
		info, ok := e.table[h]
		if !ok {
			fatalf("StopComputing: unknown handle %d", h)
		}
		if info.lockedCount <= 0 {
			fatalf("StopComputing: handle %d is not locked", h)
		}
		info.lockedCount--
		if info.lockedCount == 0 && info.DeviceID >= 0 {
			if info.SwappedIn {
				e.deviceTablesLocked(info.DeviceID).insert(h, info.Size)
			}
			e.lockedPerDevice[info.DeviceID]--
			e.updateDeviceGauges(info.DeviceID)
		}
	}
}

func (e *Engine) emitTrace(kind TraceKind, h Handle, device int, size int64) {
	if e.trace == nil {
		return
	}
	ev := TraceEvent{Kind: kind, Handle: h, Device: device, Size: size, AtNano: mono.NanoTime()}
	if err := e.trace.Emit(ev); err != nil {
		nlog.Warningf("trace emit failed for handle %d: %v", h, err)
	}
}

// HandleInfo is a point-in-time copy of a handle's record, for diagnostics
// and tests — never the live *SwapInfo, so callers can't bypass the lock.
type HandleInfo struct {
	SwappedIn   bool
	DeviceID    int
	Dptr        uintptr
	CPUAddress  uintptr
	Size        int64
	SwapCount   int64
	LockedCount int64
}

// Lookup returns a snapshot of h's record.
func (e *Engine) Lookup(h Handle) (HandleInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok := e.table[h]
	if !ok {
		return HandleInfo{}, false
	}
	return HandleInfo{
		SwappedIn:   info.SwappedIn,
		DeviceID:    info.DeviceID,
		Dptr:        info.Dptr,
		CPUAddress:  info.CPUAddress,
		Size:        info.Size,
		SwapCount:   info.SwapCount,
		LockedCount: info.lockedCount,
	}, true
}

// SwappableCount reports the number of eviction candidates on device,
// mostly useful for tests asserting on victim starvation (S2).
func (e *Engine) SwappableCount(device int) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	dt, ok := e.devices[device]
	if !ok {
		return 0
	}
	return len(dt.swappable)
}
