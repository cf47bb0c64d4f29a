package memhost_test

import (
	"testing"

	"github.com/nvswap/tensorswap/memhost"
)

func TestAllocatorRoundTrip(t *testing.T) {
	a := memhost.New(100)
	if !a.TryAllocate(0, 60) {
		t.Fatal("expected room for 60 bytes in a 100 byte arena")
	}
	ptr, err := a.Malloc(0, 60)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if a.TryAllocate(0, 60) {
		t.Fatal("expected no room for a second 60 byte allocation")
	}
	if err := a.Free(0, ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if !a.TryAllocate(0, 60) {
		t.Fatal("expected room again after Free")
	}
}

func TestAllocatorRejectsOversizeRequest(t *testing.T) {
	a := memhost.New(50)
	if _, err := a.Malloc(0, 60); err == nil {
		t.Fatal("expected Malloc to fail for a request exceeding capacity")
	}
}

func TestPinnedHostDistinctAddressesForEqualSizes(t *testing.T) {
	h, err := memhost.NewPinnedHost(false)
	if err != nil {
		t.Fatalf("NewPinnedHost: %v", err)
	}
	defer h.Close()

	a1, err := h.AllocPinned(60)
	if err != nil {
		t.Fatalf("AllocPinned: %v", err)
	}
	a2, err := h.AllocPinned(60)
	if err != nil {
		t.Fatalf("AllocPinned: %v", err)
	}
	if a1 == a2 {
		t.Fatalf("expected distinct addresses for two equal-sized allocations, got %#x twice", a1)
	}
	if err := h.FreePinned(a1, 60); err != nil {
		t.Fatalf("FreePinned a1: %v", err)
	}
	if err := h.FreePinned(a2, 60); err != nil {
		t.Fatalf("FreePinned a2: %v", err)
	}
}

func TestPinnedHostLifecycle(t *testing.T) {
	h, err := memhost.NewPinnedHost(false)
	if err != nil {
		t.Fatalf("NewPinnedHost: %v", err)
	}
	defer h.Close()

	addr, err := h.AllocPinned(4096)
	if err != nil {
		t.Fatalf("AllocPinned: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected non-zero pinned address")
	}
	if err := h.FreePinned(addr, 4096); err != nil {
		t.Fatalf("FreePinned: %v", err)
	}
	if err := h.FreePinned(addr, 4096); err == nil {
		t.Fatal("expected double-free to error")
	}
}
