package swap_test

import (
	"sync/atomic"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvswap/tensorswap/cmn"
	"github.com/nvswap/tensorswap/swap"
)

func TestSwap(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "swap engine suite")
}

// fakeAllocator is a capacity-bounded in-memory stand-in for the real CUDA
// Allocator collaborator spec.md §1 treats as external.
type fakeAllocator struct {
	capacity int64
	used     int64
	nextPtr  uintptr
	sizeOf   map[uintptr]int64
}

func newFakeAllocator(capacity int64) *fakeAllocator {
	return &fakeAllocator{capacity: capacity, nextPtr: 0x1000, sizeOf: make(map[uintptr]int64)}
}

func (a *fakeAllocator) Malloc(device int, size int64) (uintptr, error) {
	a.used += size
	p := a.nextPtr
	a.nextPtr += uintptr(size)
	a.sizeOf[p] = size
	return p, nil
}

func (a *fakeAllocator) Free(device int, dptr uintptr) error {
	if size, ok := a.sizeOf[dptr]; ok {
		a.used -= size
		delete(a.sizeOf, dptr)
	}
	return nil
}

func (a *fakeAllocator) Memcpy(dst, src uintptr, size int64, kind swap.CopyKind) error {
	return nil
}

func (a *fakeAllocator) MemcpyAsync(dst, src uintptr, size int64, kind swap.CopyKind, device int) error {
	return nil
}

func (a *fakeAllocator) StreamSynchronize(device int, dir swap.StreamDir) error {
	return nil
}

func (a *fakeAllocator) MemGetInfo(device int) (int64, int64, error) {
	return a.capacity - a.used, a.capacity, nil
}

func (a *fakeAllocator) TryAllocate(device int, size int64) bool {
	return a.capacity-a.used >= size
}

type fakeHost struct {
	next uintptr
}

func (h *fakeHost) AllocPinned(size int64) (uintptr, error) {
	h.next += uintptr(size) + 1
	return h.next, nil
}

func (h *fakeHost) FreePinned(addr uintptr, size int64) error { return nil }

// fakeOracle always evicts the first candidate, unless a same-size match
// exists in hint.Divided — the minimal size-preference DecideVictim
// contract spec.md §4.1 describes for "the oracle is free to prefer
// same-size candidates".
type fakeOracle struct{}

func (fakeOracle) DecideVictim(candidates []swap.Handle, device int, hint swap.VictimHint) (swap.Handle, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	if hint.SizeKnown != nil && hint.SizeKnown(hint.SizeHint) {
		if bucket := hint.Divided[hint.SizeHint]; len(bucket) > 0 {
			return bucket[0], true
		}
	}
	return candidates[0], true
}

var _ = Describe("Engine", func() {
	var (
		alloc *fakeAllocator
		host  *fakeHost
		eng   *swap.Engine
	)

	BeforeEach(func() {
		alloc = newFakeAllocator(100)
		host = &fakeHost{}
		cfg := cmn.Default()
		eng = swap.NewEngine(alloc, host, fakeOracle{}, cfg, nil, nil, 2)
	})

	// seed simulates the caller having already Malloc'd the tensor's device
	// backing (the real sequence: engine allocates, then records the
	// mapping) before recording it with SetAddr.
	seed := func(h swap.Handle, size int64, device int) uintptr {
		dptr, err := alloc.Malloc(device, size)
		Expect(err).NotTo(HaveOccurred())
		eng.SetAddr(h, dptr, size, device, true)
		return dptr
	}

	Describe("basic eviction (S1)", func() {
		It("evicts h1 to admit h2 when capacity is exceeded", func() {
			seed(1, 60, 0)
			Expect(alloc.TryAllocate(0, 60)).To(BeFalse())
			Expect(eng.SwapOut(60, 0)).To(BeTrue())

			info1, ok := eng.Lookup(1)
			Expect(ok).To(BeTrue())
			Expect(info1.SwappedIn).To(BeFalse())
			Expect(info1.SwapCount).To(Equal(int64(1)))
			Expect(info1.CPUAddress).NotTo(BeZero())

			seed(2, 60, 0)
			info2, ok := eng.Lookup(2)
			Expect(ok).To(BeTrue())
			Expect(info2.SwappedIn).To(BeTrue())
		})
	})

	Describe("victim starvation (S2)", func() {
		It("returns false and changes no state when every handle is locked", func() {
			seed(1, 60, 0)
			seed(2, 40, 0)
			eng.StartComputing([]swap.Handle{1, 2})

			Expect(eng.SwapOut(1, 0)).To(BeFalse())

			info1, _ := eng.Lookup(1)
			info2, _ := eng.Lookup(2)
			Expect(info1.SwappedIn).To(BeTrue())
			Expect(info2.SwappedIn).To(BeTrue())
			Expect(info1.SwapCount).To(Equal(int64(0)))
		})
	})

	Describe("StartComputing/StopComputing", func() {
		It("is a no-op on the resident set when balanced", func() {
			seed(1, 50, 0)
			Expect(eng.SwappableCount(0)).To(Equal(1))

			eng.StartComputing([]swap.Handle{1})
			Expect(eng.SwappableCount(0)).To(Equal(0))

			eng.StopComputing([]swap.Handle{1})
			Expect(eng.SwappableCount(0)).To(Equal(1))
		})

		It("is fatal when stopping an unlocked handle", func() {
			seed(1, 50, 0)
			Expect(func() { eng.StopComputing([]swap.Handle{1}) }).To(Panic())
		})
	})

	Describe("double-set rejection (S6)", func() {
		It("panics on a second pre-create SetAddr for the same handle", func() {
			seed(1, 100, 0)
			Expect(func() { eng.SetAddr(1, 0x9999, 100, 0, true) }).To(Panic())
		})
	})

	Describe("GetAddr", func() {
		It("admits a non-resident handle under ALLOC mode and removes it from swappable", func() {
			seed(1, 50, 0)
			eng.StartComputing([]swap.Handle{1})
			eng.StopComputing([]swap.Handle{1}) // back to swappable
			alloc.capacity = 50                 // force the next Malloc to need h1's slot

			Expect(eng.SwapOut(50, 0)).To(BeTrue()) // evict #1 to make exactly enough room

			dptr, ok := eng.GetAddr(1, swap.ModeAlloc)
			Expect(ok).To(BeTrue())
			Expect(dptr).NotTo(BeZero())
			Expect(eng.SwappableCount(0)).To(Equal(0))
		})
	})

	Describe("concurrent GetAddr(NORMAL) rendezvous", func() {
		It("unblocks a waiter once another goroutine admits the handle", func() {
			seed(1, 50, 0)
			eng.StartComputing([]swap.Handle{1})
			eng.StopComputing([]swap.Handle{1})
			alloc.capacity = 50
			Expect(eng.SwapOut(50, 0)).To(BeTrue())

			var done int32
			go func() {
				_, ok := eng.GetAddr(1, swap.ModeNormal)
				Expect(ok).To(BeTrue())
				atomic.StoreInt32(&done, 1)
			}()

			Eventually(func() bool {
				return eng.SwapIn(1)
			}).Should(BeTrue())

			Eventually(func() int32 {
				return atomic.LoadInt32(&done)
			}).Should(Equal(int32(1)))
		})
	})
})
