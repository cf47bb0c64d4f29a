package prefetch_test

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvswap/tensorswap/prefetch"
	"github.com/nvswap/tensorswap/swap"
)

func TestPrefetch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "prefetch suite")
}

// fakeEngine admits a handle once it is no longer in the blocked set,
// letting tests simulate backpressure (S4) by "unblocking" a handle from
// the outside, the way StopComputing frees room in the real engine.
type fakeEngine struct {
	mu      sync.Mutex
	blocked map[swap.Handle]bool
	admitted []swap.Handle
}

func newFakeEngine(blocked ...swap.Handle) *fakeEngine {
	fe := &fakeEngine{blocked: make(map[swap.Handle]bool)}
	for _, h := range blocked {
		fe.blocked[h] = true
	}
	return fe
}

func (fe *fakeEngine) GetAddr(h swap.Handle, mode swap.GetAddrMode) (uintptr, bool) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.blocked[h] {
		return 0, false
	}
	fe.admitted = append(fe.admitted, h)
	return uintptr(h), true
}

func (fe *fakeEngine) unblock(h swap.Handle) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	delete(fe.blocked, h)
}

func (fe *fakeEngine) Admitted() []swap.Handle {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	out := make([]swap.Handle, len(fe.admitted))
	copy(out, fe.admitted)
	return out
}

var _ = Describe("Prefetcher", func() {
	It("replays the recorded sequence in order", func() {
		fe := newFakeEngine()
		iter := 5 // already past num_loop so the loop exits after one pass
		p := prefetch.New(fe, 1, func() int { return iter })
		p.PushHandlesToPrefetch([]swap.Handle{1, 2})
		p.PushHandlesToPrefetch([]swap.Handle{3})

		p.StartPrefetching()
		p.Wait()

		Expect(fe.Admitted()).To(Equal([]swap.Handle{1, 2, 3}))
	})

	It("stalls on admission failure and resumes on SignalContinue (S4)", func() {
		fe := newFakeEngine(1) // h1 is not admittable until unblocked
		iter := 5
		p := prefetch.New(fe, 1, func() int { return iter })
		p.PushHandlesToPrefetch([]swap.Handle{1, 2})

		p.StartPrefetching()

		Consistently(fe.Admitted, "100ms").Should(BeEmpty())

		fe.unblock(1)
		p.SignalContinue()

		p.Wait()
		Expect(fe.Admitted()).To(Equal([]swap.Handle{1, 2}))
	})

	It("is idempotent when started twice", func() {
		fe := newFakeEngine()
		iter := 5
		p := prefetch.New(fe, 1, func() int { return iter })
		p.PushHandlesToPrefetch([]swap.Handle{1})
		p.StartPrefetching()
		p.StartPrefetching()
		p.Wait()
		Expect(fe.Admitted()).To(Equal([]swap.Handle{1}))
	})

	It("wraps the sequence until num_loop is reached", func() {
		fe := newFakeEngine()
		iterVal := 0
		p := prefetch.New(fe, 2, func() int { return iterVal })
		p.PushHandlesToPrefetch([]swap.Handle{9})

		p.StartPrefetching()
		time.Sleep(20 * time.Millisecond)
		iterVal = 2 // allow the loop to terminate on its next wrap check
		p.Wait()

		admitted := fe.Admitted()
		Expect(len(admitted)).To(BeNumerically(">=", 1))
		for _, h := range admitted {
			Expect(h).To(Equal(swap.Handle(9)))
		}
	})
})
