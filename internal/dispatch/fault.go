package dispatch

import (
	"runtime/debug"

	"github.com/tinyrange/tbvm/internal/tb"
)

// guestAccess implements tb.CPUAccess over a real, mmap'd GuestMemory
// window, and is the Fault & Signal Bridge of spec.md §4.H.
//
// The original source catches SIGSEGV raised by the CPU executing its
// own generated machine code, inspects the faulting host PC against the
// TB table, and either retries after page_unprotect or delivers a guest
// page fault. This module's generated "code" is a Go closure (tb.Entry),
// so the equivalent fault is an ordinary Go runtime memory fault taken
// inside guestAccess's own LoadByte/StoreByte calls — exactly the case
// runtime/debug.SetPanicOnFault exists to convert into a recoverable
// panic instead of a process crash. That is what makes this bridge
// legitimate: the fault occurs in real Go-compiled code with valid stack
// maps, the officially supported case for SetPanicOnFault, not in
// arbitrary foreign machine code the runtime cannot describe.
type guestAccess struct {
	mem   *tb.GuestMemory
	cache *tb.Cache
}

func newGuestAccess(mem *tb.GuestMemory, cache *tb.Cache) *guestAccess {
	return &guestAccess{mem: mem, cache: cache}
}

// LoadGuestByte reads one guest byte, turning an out-of-range address or
// a genuine host memory fault into a guest page fault.
func (g *guestAccess) LoadGuestByte(addr uint64) (v byte, fault *tb.Fault) {
	if !g.mem.Contains(addr) {
		return 0, &tb.Fault{Kind: tb.FaultPageFault, ErrorCode: errCodePresent, CR2: addr}
	}

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			fault = &tb.Fault{Kind: tb.FaultPageFault, ErrorCode: errCodePresent, CR2: addr}
		}
	}()

	v = g.mem.LoadByte(addr)
	return v, nil
}

// StoreGuestByte writes one guest byte. A fault here most often means
// the Host Page Protector made this page read-only to catch
// self-modifying code (§4.B): the bridge calls Cache.Unprotect to lift
// that protection and invalidate any TBs on the page, then retries the
// store once. A second fault, or Unprotect reporting the page was never
// tracked, means this is a genuine guest write fault.
func (g *guestAccess) StoreGuestByte(addr uint64, val byte) *tb.Fault {
	if !g.mem.Contains(addr) {
		return &tb.Fault{Kind: tb.FaultPageFault, ErrorCode: errCodePresent | errCodeWrite, CR2: addr}
	}

	if g.tryStore(addr, val) {
		return nil
	}

	hostAddr := g.mem.HostAddr(addr)
	if !g.cache.Unprotect(hostAddr) {
		return &tb.Fault{Kind: tb.FaultPageFault, ErrorCode: errCodePresent | errCodeWrite, CR2: addr}
	}

	if g.tryStore(addr, val) {
		return nil
	}
	return &tb.Fault{Kind: tb.FaultPageFault, ErrorCode: errCodePresent | errCodeWrite, CR2: addr}
}

// tryStore attempts the write once, reporting whether it succeeded
// without faulting.
func (g *guestAccess) tryStore(addr uint64, val byte) (ok bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	g.mem.StoreByte(addr, val)
	return true
}

// errCodePresent and errCodeWrite compose a Fault.ErrorCode per §4.H's
// literal formula, present-violation | (is_write<<1). The bridge never
// consults the guest page table, and this module's two-level map has no
// separate "not present at all" state (PageTable.GetFlags reads an absent
// page as zero flags), so errCodePresent is always set. errCodeWrite is
// ORed in for store faults, matching the original's PG_ERROR_W_MASK bit in
// error_code.
const (
	errCodePresent = 1
	errCodeWrite   = 1 << 1
)
