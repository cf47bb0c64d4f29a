package swap

import (
	cmnatomic "github.com/nvswap/tensorswap/cmn/atomic"
)

// SwapInfo is the per-handle record spec.md §3 defines. Fields that are
// mutated only under the engine's writer lock are plain; is_swapping and
// is_waiting are the two flags the concurrency model (spec.md §5) requires
// to be readable without that lock.
type SwapInfo struct {
	Handle     Handle
	SwappedIn  bool
	DeviceID   int
	Dptr       uintptr // device pointer; meaningful iff SwappedIn
	CPUAddress uintptr // pinned-host backing; 0 until first eviction
	Size       int64
	SwapCount  int64

	lockedCount int64 // reentrant pin counter; mutated under swap_lock

	isSwapping cmnatomic.Bool
	isWaiting  cmnatomic.Bool
}

// CopyKind directs a Memcpy/MemcpyAsync call.
type CopyKind int

const (
	CopyDeviceToHost CopyKind = iota
	CopyHostToDevice
)

// StreamDir selects which per-device stream a StreamSynchronize call drains.
type StreamDir int

const (
	StreamOut StreamDir = iota // device -> host (eviction)
	StreamIn                   // host -> device (admission)
)

// Allocator is the raw device-allocation and DMA capability the engine
// depends on, assumed external per spec.md §1. Malloc/Free/Memcpy/
// MemcpyAsync/StreamSynchronize/MemGetInfo/TryAllocate mirror spec.md §6's
// "Allocator capability" surface exactly.
type Allocator interface {
	Malloc(device int, size int64) (uintptr, error)
	Free(device int, dptr uintptr) error
	Memcpy(dst, src uintptr, size int64, kind CopyKind) error
	MemcpyAsync(dst, src uintptr, size int64, kind CopyKind, device int) error
	StreamSynchronize(device int, dir StreamDir) error
	MemGetInfo(device int) (free, total int64, err error)
	TryAllocate(device int, size int64) bool
}

// HostAllocator supplies the pinned-host backing that SwapInfo.CPUAddress
// lazily acquires. The original source calls this out as a distinct
// cudaHostAlloc/cudaFreeHost pair from the device Malloc/Free above, so it
// is kept as its own small capability rather than folded into Allocator.
type HostAllocator interface {
	AllocPinned(size int64) (uintptr, error)
	FreePinned(addr uintptr, size int64) error
}

// VictimHint is the context DecideVictim receives alongside the candidate
// set — spec.md §4.1's "{size_hint=required_bytes, divided}".
type VictimHint struct {
	SizeHint int64
	// Divided mirrors the engine's size->handles secondary index for the
	// requested device, snapshotted at call time so the oracle can prefer
	// same-size candidates without taking the engine's lock itself.
	Divided map[int64][]Handle
	// SizeKnown is a fast probabilistic pre-check: SizeKnown(n) == false
	// guarantees Divided[n] is empty, letting an oracle skip the exact
	// lookup on a clear miss.
	SizeKnown func(size int64) bool
}

// VictimOracle picks an eviction candidate from a swappable set. The real
// policy object is external per spec.md §1; this package only depends on
// the interface.
type VictimOracle interface {
	DecideVictim(candidates []Handle, device int, hint VictimHint) (Handle, bool)
}
