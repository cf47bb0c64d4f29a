// Package memhost provides a reference Allocator/HostAllocator: a
// simulated device memory arena plus page-locked host backing. The real
// CUDA allocator is an external collaborator per spec.md §1; this package
// exists for tests and the `simulate` CLI command, grounded on the
// constructor in original_source/src/storage/gpu_odswap.cc that sizes a
// pinned buffer via cudaHostAlloc and the MXNET_INFINITE_CPU_MEMORY
// diagnostic that preallocates one 20 GiB region and reuses it.
package memhost

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nvswap/tensorswap/swap"
)

// Allocator simulates one GPU's device arena by bump allocation, tracked
// purely by accounting (no real CUDA calls) so tests can run without a GPU.
// Free returns the bytes to the capacity count; freed address ranges are
// not handed out again.
type Allocator struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	sizeOf   map[uintptr]int64
	nextAddr uintptr
}

// New creates a device-arena simulator of the given byte capacity.
func New(capacity int64) *Allocator {
	return &Allocator{capacity: capacity, sizeOf: make(map[uintptr]int64), nextAddr: 0x1000}
}

func (a *Allocator) Malloc(device int, size int64) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity-a.used < size {
		return 0, errors.Errorf("memhost: device %d out of memory: need %d, have %d", device, size, a.capacity-a.used)
	}
	addr := a.nextAddr
	a.nextAddr += uintptr(size)
	a.used += size
	a.sizeOf[addr] = size
	return addr, nil
}

func (a *Allocator) Free(device int, dptr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.sizeOf[dptr]
	if !ok {
		return errors.Errorf("memhost: free of unknown device pointer %#x", dptr)
	}
	a.used -= size
	delete(a.sizeOf, dptr)
	return nil
}

// Memcpy/MemcpyAsync are no-ops: this simulator tracks addresses and sizes,
// not byte contents, since the spec's concern is the swap discipline, not
// DMA correctness of a particular CUDA runtime.
func (a *Allocator) Memcpy(dst, src uintptr, size int64, kind swap.CopyKind) error {
	return nil
}

func (a *Allocator) MemcpyAsync(dst, src uintptr, size int64, kind swap.CopyKind, device int) error {
	return nil
}

func (a *Allocator) StreamSynchronize(device int, dir swap.StreamDir) error {
	return nil
}

func (a *Allocator) MemGetInfo(device int) (free, total int64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity - a.used, a.capacity, nil
}

func (a *Allocator) TryAllocate(device int, size int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity-a.used >= size
}

// PinnedHost is the reference HostAllocator: a page-locked byte arena,
// mlock'd so "pinned host memory" (spec.md §3/§5) has real OS meaning
// instead of being an ordinary heap slice. MXNET_INFINITE_CPU_MEMORY
// (spec.md §6) preallocates one region and hands out sub-ranges instead of
// calling into the OS per handle.
type PinnedHost struct {
	mu       sync.Mutex
	infinite bool
	arena    []byte // only populated when infinite
	cursor   int
	live     map[uintptr][]byte
}

const infiniteArenaBytes = 20 << 30 // 20 GiB, per spec.md §6's default

// NewPinnedHost constructs the reference pinned-host allocator.
// If infinite is true, it mlocks one 20 GiB arena up front (spec.md §6's
// MXNET_INFINITE_CPU_MEMORY diagnostic) and carves sub-allocations from it
// rather than touching the OS again.
func NewPinnedHost(infinite bool) (*PinnedHost, error) {
	h := &PinnedHost{infinite: infinite, live: make(map[uintptr][]byte)}
	if infinite {
		buf := make([]byte, infiniteArenaBytes)
		if err := unix.Mlock(buf); err != nil {
			return nil, errors.Wrap(err, "mlock infinite pinned arena")
		}
		h.arena = buf
	}
	return h, nil
}

// addrOf derives the synthetic key from the backing array's own address, not
// its length — two equal-sized buffers must never collide, or the second
// AllocPinned silently clobbers the first handle's h.live entry.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (h *PinnedHost) AllocPinned(size int64) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.infinite {
		if h.cursor+int(size) > len(h.arena) {
			return 0, errors.New("memhost: infinite pinned arena exhausted")
		}
		slice := h.arena[h.cursor : h.cursor+int(size)]
		h.cursor += int(size)
		addr := uintptr(h.cursor) // unique monotonic key into the arena
		h.live[addr] = slice
		return addr, nil
	}
	buf := make([]byte, size)
	if err := unix.Mlock(buf); err != nil {
		return 0, errors.Wrap(err, "mlock pinned host allocation")
	}
	addr := addrOf(buf)
	h.live[addr] = buf
	return addr, nil
}

func (h *PinnedHost) FreePinned(addr uintptr, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.live[addr]
	if !ok {
		return errors.Errorf("memhost: free of unknown pinned address %#x", addr)
	}
	delete(h.live, addr)
	if h.infinite {
		return nil // sub-range of the one munlock'd-at-Close arena; not released individually
	}
	return unix.Munlock(buf)
}

// Close releases the infinite arena's mlock, if one was taken.
func (h *PinnedHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.infinite && h.arena != nil {
		return unix.Munlock(h.arena)
	}
	return nil
}
