package tb

import "testing"

func newTestCache(t testing.TB, guestSize int) (*Cache, *GuestMemory) {
	t.Helper()
	arena, err := NewArena(8192, 512)
	if err != nil {
		t.Skipf("code arena not available: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	mem, err := NewGuestMemory(0, guestSize)
	if err != nil {
		t.Skipf("guest memory window not available: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	return NewCache(arena, 64, mem, PageSize), mem
}

// TestCacheHitMiss is scenario S1: an empty cache misses on the first
// dispatch at pc=0x1000, then hits the same TB on the second.
func TestCacheHitMiss(t *testing.T) {
	c, _ := newTestCache(t, 0x4000)
	c.SetPageFlags(0x1000, 0x2000, PageRead|PageExec)

	if _, ok := c.Lookup(0x1000, 0, FlagCode32); ok {
		t.Fatalf("Lookup hit on an empty cache")
	}

	c.Lock()
	tb1, ok := c.Alloc(0x1000)
	if !ok {
		t.Fatalf("Alloc failed")
	}
	code := make([]byte, 37)
	if !c.Publish(tb1, code, 0, FlagCode32, 18, [2]int{-1, -1}, [2]uint64{0x1012, 0}, nil) {
		t.Fatalf("Publish failed")
	}
	c.Unlock()

	found, ok := c.Lookup(0x1000, 0, FlagCode32)
	if !ok || found != tb1 {
		t.Fatalf("second dispatch did not hit the published TB")
	}
	if found.Size != 18 {
		t.Fatalf("published Size = %d, want 18", found.Size)
	}
}

// TestCacheSMCRegeneratesWithNewTCPtr is scenario S2: a guest store into
// a page a TB was generated against faults, Unprotect lifts protection
// and invalidates, and the next dispatch at the same pc gets a fresh TB
// at a different tc_ptr.
func TestCacheSMCRegeneratesWithNewTCPtr(t *testing.T) {
	c, mem := newTestCache(t, 0x4000)
	c.SetPageFlags(0x1000, 0x2000, PageRead|PageWrite|PageExec)

	c.Lock()
	tb1, _ := c.Alloc(0x1000)
	c.Publish(tb1, []byte{0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x1010, 0}, nil)
	c.Unlock()

	if got := c.PageFlags(0x1000); got&PageWrite != 0 {
		t.Fatalf("page still writable after a TB was linked against it")
	}

	hostAddr := mem.HostAddr(0x1002)
	if !c.Unprotect(hostAddr) {
		t.Fatalf("Unprotect reported an untracked page")
	}
	if got := c.PageFlags(0x1000); got&PageWrite == 0 {
		t.Fatalf("page not writable again after Unprotect")
	}
	if _, ok := c.Lookup(0x1000, 0, 0); ok {
		t.Fatalf("old TB still cached after Unprotect invalidation")
	}

	c.Lock()
	tb2, _ := c.Alloc(0x1000)
	c.Publish(tb2, []byte{0xc3, 0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x1010, 0}, nil)
	c.Unlock()

	if tb2.TCPtr == tb1.TCPtr {
		t.Fatalf("regenerated TB reused the old tc_ptr")
	}
}

// TestCacheFlushResetsEverything is scenario S5: after a flush, the pool
// is empty, every hash lookup misses, and every page-list head is empty.
func TestCacheFlushResetsEverything(t *testing.T) {
	c, _ := newTestCache(t, 0x4000)
	c.SetPageFlags(0x1000, 0x2000, PageRead|PageExec)

	c.Lock()
	tb1, _ := c.Alloc(0x1000)
	c.Publish(tb1, []byte{0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x1010, 0}, nil)
	c.Flush()
	c.Unlock()

	if c.Len() != 0 {
		t.Fatalf("Len after Flush = %d, want 0", c.Len())
	}
	if _, ok := c.Lookup(0x1000, 0, 0); ok {
		t.Fatalf("Lookup hit after Flush")
	}
	if c.pages.firstTB(0x1000>>pageBits) != nil {
		t.Fatalf("page list head not cleared by Flush")
	}

	c.Lock()
	tb2, ok := c.Alloc(0x1000)
	if !ok {
		t.Fatalf("dispatch after Flush failed to allocate")
	}
	if !c.Publish(tb2, []byte{0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x1010, 0}, nil) {
		t.Fatalf("dispatch after Flush failed to publish")
	}
	c.Unlock()
}

func TestCacheCheckInvariantsOnHealthyCache(t *testing.T) {
	c, _ := newTestCache(t, 0x4000)
	c.SetPageFlags(0x0000, 0x3000, PageRead|PageExec)

	c.Lock()
	a, _ := c.Alloc(0x1000)
	c.Publish(a, []byte{0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x1010, 0}, nil)
	b, _ := c.Alloc(0x2000)
	c.Publish(b, []byte{0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x2010, 0}, nil)
	c.Link(a, 0, b)
	c.Unlock()

	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants on a healthy cache: %v", err)
	}
}

// TestBreakpointDuringChain is the Open Question 3 property test: A is
// linked to B ("currently executing", passed as currentTB) when a
// breakpoint lands on a PC on a wholly unrelated, never-published page.
// Page invalidation alone touches nothing here — no TB is registered
// against that page — so A.outNext[0] surviving would show the cascade
// from page invalidation is being relied on in place of the explicit
// ResetRecursive(current_tb) call §4.F/§5 require of every asynchronous
// event. InsertBreakpoint/RemoveBreakpoint must tear down current_tb's
// whole chain regardless of which page the breakpoint itself landed on,
// so a dispatcher mid-chain through A is always forced back through the
// dispatcher at the next chain point rather than free to keep following
// an already-resolved direct link.
func TestBreakpointDuringChain(t *testing.T) {
	c, _ := newTestCache(t, 0x10000)
	c.SetPageFlags(0x1000, 0x3000, PageRead|PageExec)

	c.Lock()
	a, _ := c.Alloc(0x1000)
	c.Publish(a, []byte{0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x1010, 0}, nil)
	b, _ := c.Alloc(0x2000)
	c.Publish(b, []byte{0xc3}, 0, 0, 0x10, [2]int{-1, -1}, [2]uint64{0x2010, 0}, nil)
	c.Link(a, 0, b)
	c.Unlock()

	if a.outNext[0] != b {
		t.Fatalf("setup: A not linked to B")
	}

	c.Lock()
	c.InsertBreakpoint(0x9000, a) // unrelated page: nothing published there
	c.Unlock()

	if a.outNext[0] != nil {
		t.Fatalf("A.outNext[0] still set after an unrelated breakpoint: ResetRecursive not applied to current_tb")
	}
	if b.inbound != nil {
		t.Fatalf("B.inbound still tags A after an unrelated breakpoint")
	}
	if _, ok := c.Lookup(0x2000, 0, 0); !ok {
		t.Fatalf("B itself should still be cached: only the chain link, not B, should be torn down")
	}

	c.Lock()
	c.Link(a, 0, b)
	c.Unlock()

	c.Lock()
	c.RemoveBreakpoint(0x9000, a)
	c.Unlock()

	if a.outNext[0] != nil {
		t.Fatalf("A.outNext[0] still set after RemoveBreakpoint: ResetRecursive not applied to current_tb")
	}
}
