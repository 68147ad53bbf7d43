package dispatch

import (
	"testing"

	"github.com/tinyrange/tbvm/internal/config"
	"github.com/tinyrange/tbvm/internal/gen/testgen"
	"github.com/tinyrange/tbvm/internal/tb"
)

func newTestVM(t testing.TB, prog testgen.Program) (*tb.Cache, *tb.GuestMemory, *Dispatcher) {
	return newTestVMWithConfig(t, prog, config.DispatcherConfig{})
}

func newTestVMWithConfig(t testing.TB, prog testgen.Program, cfg config.DispatcherConfig) (*tb.Cache, *tb.GuestMemory, *Dispatcher) {
	t.Helper()
	arena, err := tb.NewArena(8192, 512)
	if err != nil {
		t.Skipf("code arena not available: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	mem, err := tb.NewGuestMemory(0, 0x4000)
	if err != nil {
		t.Skipf("guest memory window not available: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	cache := tb.NewCache(arena, 64, mem, tb.PageSize)
	cache.SetPageFlags(0, 0x4000, tb.PageRead|tb.PageWrite|tb.PageExec)

	d := New(cache, &testgen.Generator{Prog: prog}, mem, cfg)
	return cache, mem, d
}

// TestRunFallsThroughAndChains exercises the dispatcher's hash-miss path,
// fallthrough resolution, and a jump-slot exit over a two-instruction
// program. The jump target has no instruction, so Run ends with
// GuestIllegal before any chain link is made.
func TestRunFallsThroughAndChains(t *testing.T) {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpLoad, Len: 4, Addr: 0x2000},
		0x1004: {Op: testgen.OpJump, Len: 2, Target: 0x3000},
	}
	_, _, d := newTestVM(t, prog)

	state := &CPUState{PC: 0x1000}
	exc := d.Run(state)
	if exc == nil {
		t.Fatalf("Run returned nil exception")
	}
	if exc.Kind != GuestIllegal {
		t.Fatalf("Run exception = %v, want GuestIllegal (no instruction fixed at 0x3000), msg=%s", exc.Kind, exc.Msg)
	}
}

// TestRunStoreUnprotectsAndRetries is the dispatcher-level half of
// scenario S2: storing through a TB linked against a writable page takes
// a real host write fault, Unprotect lifts it, and the retried store
// succeeds without surfacing an exception at all.
func TestRunStoreUnprotectsAndRetries(t *testing.T) {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpStore, Len: 1, Addr: 0x2000, Value: 0x42},
		0x1001: {Op: testgen.OpJump, Len: 0, Target: 0x9000}, // forces a clean stop after the store
	}
	cache, mem, d := newTestVM(t, prog)

	// Publish a throwaway TB against page 0x2000 so linking protects the
	// real host page, the same way a normal dispatch miss would.
	cache.Lock()
	victim, _ := cache.Alloc(0x2000)
	cache.Publish(victim, []byte{0xc3}, 0, 0, tb.PageSize, [2]int{-1, -1}, [2]uint64{0x2000, 0}, nil)
	cache.Unlock()

	if got := cache.PageFlags(0x2000); got&tb.PageWrite != 0 {
		t.Fatalf("page 0x2000 still write-enabled after linking a TB against it")
	}

	state := &CPUState{PC: 0x1000}
	exc := d.Run(state)
	if exc == nil || exc.Kind != GuestIllegal {
		t.Fatalf("Run exception = %+v, want GuestIllegal (no instruction fixed at 0x9000)", exc)
	}
	if got := mem.LoadByte(0x2000); got != 0x42 {
		t.Fatalf("store did not survive the unprotect-and-retry, mem[0x2000] = 0x%x", got)
	}
}

// TestRunGuestPageFaultOutsideWindow is scenario S6's shape: a load
// outside the guest memory window faults and the dispatcher surfaces it
// as a GuestPageFault with cr2 set to the faulting address.
func TestRunGuestPageFaultOutsideWindow(t *testing.T) {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpLoad, Len: 4, Addr: 0x9000},
	}
	_, _, d := newTestVM(t, prog)

	state := &CPUState{PC: 0x1000}
	exc := d.Run(state)
	if exc == nil || exc.Kind != GuestPageFault {
		t.Fatalf("Run exception = %+v, want GuestPageFault", exc)
	}
	if state.CR2 != 0x9000 {
		t.Fatalf("CR2 = 0x%x, want 0x9000", state.CR2)
	}
	// §4.H's literal formula: present-violation | (is_write<<1). A load
	// fault carries only the present-violation bit.
	if state.ErrorCode != errCodePresent {
		t.Fatalf("ErrorCode = %#x, want %#x (present-violation, no write bit)", state.ErrorCode, errCodePresent)
	}
}

// TestRunGuestPageFaultOnStoreSetsWriteBit is scenario S6 for a store: the
// error code must OR the write bit into the present-violation bit, not
// report one or the other alone.
func TestRunGuestPageFaultOnStoreSetsWriteBit(t *testing.T) {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpStore, Len: 4, Addr: 0x9000},
	}
	_, _, d := newTestVM(t, prog)

	state := &CPUState{PC: 0x1000}
	exc := d.Run(state)
	if exc == nil || exc.Kind != GuestPageFault {
		t.Fatalf("Run exception = %+v, want GuestPageFault", exc)
	}
	if want := errCodePresent | errCodeWrite; state.ErrorCode != uint32(want) {
		t.Fatalf("ErrorCode = %#x, want %#x (present-violation | write)", state.ErrorCode, want)
	}
}

func TestRunInterruptStopsChaining(t *testing.T) {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpNop, Len: 4},
	}
	_, _, d := newTestVM(t, prog)

	state := &CPUState{PC: 0x1000, InterruptRequest: true}
	exc := d.Run(state)
	if exc == nil || exc.Kind != GuestInterrupt {
		t.Fatalf("Run exception = %+v, want GuestInterrupt", exc)
	}
}
