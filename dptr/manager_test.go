package dptr_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvswap/tensorswap/cmn"
	"github.com/nvswap/tensorswap/dptr"
	"github.com/nvswap/tensorswap/memhost"
	"github.com/nvswap/tensorswap/swap"
	"github.com/nvswap/tensorswap/victim"
)

func TestDptr(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dptr manager suite")
}

type fakePrefetcher struct {
	pushed  [][]swap.Handle
	started bool
	signals int
}

func (f *fakePrefetcher) PushHandlesToPrefetch(handles []swap.Handle) {
	cp := append([]swap.Handle(nil), handles...)
	f.pushed = append(f.pushed, cp)
}
func (f *fakePrefetcher) StartPrefetching() { f.started = true }
func (f *fakePrefetcher) SignalContinue()   { f.signals++ }

var _ = Describe("Manager iteration state machine (S5)", func() {
	var (
		alloc *memhost.Allocator
		eng   *swap.Engine
		pf    *fakePrefetcher
		m     *dptr.Manager
	)

	BeforeEach(func() {
		alloc = memhost.New(1 << 30)
		host, err := memhost.NewPinnedHost(false)
		Expect(err).NotTo(HaveOccurred())
		cfg := cmn.Default()
		cfg.PoolType = cmn.PoolSwapOnDemand
		eng = swap.NewEngine(alloc, host, victim.New(), cfg, nil, nil, 2)
		pf = &fakePrefetcher{}
		m = dptr.New(eng, pf, alloc, cfg)
		Expect(m.StartBinding(0)).To(Succeed())
	})

	It("drives three iterations through the documented transitions", func() {
		const h = swap.Handle(1)

		// Iteration 0: preparation.
		m.StartIteration()
		m.NotifyBegin(0, "node0")
		Expect(m.Alloc(h, 64, 0)).To(Succeed())
		ptr0, err := m.GetDptr(h)
		Expect(err).NotTo(HaveOccurred())
		Expect(ptr0).NotTo(BeZero())
		m.NotifyDone(0)
		m.StopIteration()

		// Iteration 1: trace capture.
		m.StartIteration()
		m.NotifyBegin(0, "node0")
		ptr1, err := m.GetDptr(h)
		Expect(err).NotTo(HaveOccurred())
		Expect(ptr1).To(Equal(ptr0)) // still the fake_memory_ stub
		m.NotifyDone(0)
		m.StopIteration()

		Expect(pf.pushed).To(HaveLen(1))
		Expect(pf.pushed[0]).To(ConsistOf(h))

		// Iteration 2: steady state, real allocation on first touch.
		m.StartIteration()
		m.NotifyBegin(0, "node0")
		ptr2, err := m.GetDptr(h)
		Expect(err).NotTo(HaveOccurred())
		Expect(ptr2).NotTo(Equal(ptr0))
		m.NotifyDone(0)
		m.StopIteration()
	})
})
