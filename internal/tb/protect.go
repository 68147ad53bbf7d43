package tb

// Protector is the Host Page Protector of §4.B: it decouples guest page
// size from host page size and owns the policy that turns guest stores
// into write faults. hostPageSize must be a multiple of the guest
// PageSize; it is discovered (or overridden) once at construction.
type Protector struct {
	mem          *GuestMemory
	pages        *PageTable
	invalidator  invalidatorFunc
	hostPageSize uint64
}

type invalidatorFunc func(pageIndex uint64)

// NewProtector ties a guest memory window and page table together.
// hostPageSize must be a power of two and a multiple of PageSize.
func NewProtector(mem *GuestMemory, pages *PageTable, hostPageSize uint64, invalidate invalidatorFunc) *Protector {
	if hostPageSize == 0 {
		hostPageSize = PageSize
	}
	return &Protector{mem: mem, pages: pages, invalidator: invalidate, hostPageSize: hostPageSize}
}

func (p *Protector) hostPageAlignDown(addr uint64) uint64 {
	return addr &^ (p.hostPageSize - 1)
}

// guestPagesIn returns the [first, last] guest page indices that overlap
// the host page containing addr.
func (p *Protector) guestPagesIn(addr uint64) (first, last uint64) {
	hostStart := p.hostPageAlignDown(addr)
	first = hostStart >> pageBits
	last = (hostStart + p.hostPageSize - 1) >> pageBits
	return
}

// ProtectPage is called when a TB is added to a guest page whose
// PageWrite bit is set (§4.B): every host page overlapping the guest page
// has its host write permission dropped, and the guest page's PageWrite
// bit (not PageWriteOrig) is cleared so the next guest store to it faults.
func (p *Protector) ProtectPage(pageIndex uint64) error {
	guestAddr := pageIndex << pageBits
	if !p.mem.Contains(guestAddr) {
		return nil // nothing backs this guest page; no host protection to apply
	}
	hostStart := p.hostPageAlignDown(guestAddr)
	if err := p.mem.protectRange(hostStart, hostStart+p.hostPageSize); err != nil {
		return err
	}
	first, last := p.guestPagesIn(guestAddr)
	for idx := first; idx <= last; idx++ {
		d := p.pages.descriptor(idx<<pageBits, true)
		d.flags &^= PageWrite
	}
	return nil
}

// Unprotect implements the signal-handler-facing contract of §4.B: if no
// descriptor exists for the faulting address, report "not ours." If the
// host page had PageWriteOrig set on any guest page it overlaps, host
// write permission is reinstated, the specific faulted guest page's
// PageWrite bit is set, every TB intersecting that page is invalidated,
// and true is returned. Otherwise false is returned — a genuine guest
// page fault to surface through the dispatcher.
func (p *Protector) Unprotect(hostAddr uintptr) bool {
	if p.mem.Size() == 0 {
		return false
	}
	base := uintptr(unsafePtr(p.memSlice()))
	if hostAddr < base || hostAddr >= base+uintptr(p.mem.Size()) {
		return false
	}
	guestAddr := p.mem.GuestBase + uint64(hostAddr-base)
	first, last := p.guestPagesIn(guestAddr)

	var writeOrig bool
	for idx := first; idx <= last; idx++ {
		if d := p.pages.descriptor(idx<<pageBits, false); d != nil && d.flags&PageWriteOrig != 0 {
			writeOrig = true
			break
		}
	}
	if !writeOrig {
		return false
	}

	hostStart := p.hostPageAlignDown(guestAddr)
	if err := p.mem.unprotectRange(hostStart, hostStart+p.hostPageSize); err != nil {
		return false
	}

	faultedPage := guestAddr >> pageBits
	d := p.pages.descriptor(faultedPage<<pageBits, true)
	d.flags |= PageWrite
	p.invalidator(faultedPage)
	return true
}

// memSlice exposes the backing slice for bounds comparisons; kept as a
// method rather than a field to make the dependency on GuestMemory's
// internal layout explicit at the single call site that needs it.
func (p *Protector) memSlice() []byte { return p.mem.mem }
