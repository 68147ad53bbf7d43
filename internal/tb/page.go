package tb

import (
	"fmt"
	"io"
)

// PageFlags are the guest-visible protection bits for one guest page, plus
// the bookkeeping bits the cache itself needs.
type PageFlags uint32

const (
	PageRead PageFlags = 1 << iota
	PageWrite
	PageExec
	// PageWriteOrig is sticky: it records that the guest asked for a
	// writable page even though the cache has forced PageWrite off to
	// make the page fault on store (§3, Page Descriptor invariant).
	PageWriteOrig
	// PageValid marks a guest mapping as present at all.
	PageValid
)

const (
	pageBits = 12 // guest page size: 4KiB, matching TARGET_PAGE_BITS in the original
	l2Bits   = 10
	l1Bits   = 32 - l2Bits - pageBits
	l1Size   = 1 << l1Bits
	l2Size   = 1 << l2Bits
)

// PageSize is the guest page size in bytes.
const PageSize = 1 << pageBits

func pageIndexOf(addr uint64) uint32 {
	return uint32(addr>>pageBits) & (l1Size*l2Size - 1)
}

func pageAlignDown(addr uint64) uint64 { return addr &^ (PageSize - 1) }
func pageAlignUp(addr uint64) uint64   { return (addr + PageSize - 1) &^ (PageSize - 1) }

// pageDescriptor is the per-guest-page record of §3's Page Descriptor.
type pageDescriptor struct {
	flags   PageFlags
	firstTB *TB
}

// PageTable is the two-level lookup of §4.A: a fixed top level of leaf
// pointers, with leaves lazily allocated on first write to their span.
// Reads of an absent leaf return the zero descriptor, matching
// page_find/page_get_flags's NULL-means-zero behavior.
type PageTable struct {
	l1 [l1Size]*[l2Size]pageDescriptor

	// invalidate is called before PageWrite is set on a page that
	// already has TBs registered against it (§4.A). It is wired to the
	// SMC invalidator by Cache at construction time.
	invalidate func(pageIndex uint64)
}

// NewPageTable constructs an empty page table. invalidate must not be nil;
// Cache supplies its own Invalidator.InvalidatePage.
func NewPageTable(invalidate func(pageIndex uint64)) *PageTable {
	return &PageTable{invalidate: invalidate}
}

func (pt *PageTable) leaf(index uint32, alloc bool) *[l2Size]pageDescriptor {
	l1i := index >> l2Bits
	l := pt.l1[l1i]
	if l == nil {
		if !alloc {
			return nil
		}
		l = &[l2Size]pageDescriptor{}
		pt.l1[l1i] = l
	}
	return l
}

func (pt *PageTable) descriptor(addr uint64, alloc bool) *pageDescriptor {
	index := pageIndexOf(addr)
	l := pt.leaf(index, alloc)
	if l == nil {
		return nil
	}
	return &l[index&(l2Size-1)]
}

// GetFlags returns the current flags for the guest page containing addr,
// or zero if no leaf has ever been allocated for it.
func (pt *PageTable) GetFlags(addr uint64) PageFlags {
	d := pt.descriptor(addr, false)
	if d == nil {
		return 0
	}
	return d.flags
}

// firstTB returns the head of the per-page TB list for the page at the
// given guest page index, or nil.
func (pt *PageTable) firstTB(pageIndex uint64) *TB {
	d := pt.descriptor(pageIndex<<pageBits, false)
	if d == nil {
		return nil
	}
	return d.firstTB
}

func (pt *PageTable) setFirstTB(pageIndex uint64, tb *TB) {
	d := pt.descriptor(pageIndex<<pageBits, true)
	d.firstTB = tb
}

// SetFlags rounds [start, end) to guest-page boundaries and applies flags
// to every page in range. Setting PageWrite always also sets
// PageWriteOrig (§4.A). If PageWrite is being newly set on a page that
// already has TBs registered, the page is invalidated first so no TB
// survives with a now-writable, previously-protected page underneath it.
func (pt *PageTable) SetFlags(start, end uint64, flags PageFlags) {
	if flags&PageWrite != 0 {
		flags |= PageWriteOrig
	}
	start = pageAlignDown(start)
	end = pageAlignUp(end)
	for addr := start; addr < end; addr += PageSize {
		d := pt.descriptor(addr, true)
		if d.flags&PageWrite == 0 && flags&PageWrite != 0 && d.firstTB != nil {
			pt.invalidate(addr >> pageBits)
		}
		d.flags = flags
	}
}

// Unmap clears the valid bit for every page in [start, end), the Go
// analogue of the original's page_unmap bulk teardown triggered when a
// guest address range is unmapped out from under the cache.
func (pt *PageTable) Unmap(start, end uint64) {
	start = pageAlignDown(start)
	end = pageAlignUp(end)
	for addr := start; addr < end; addr += PageSize {
		d := pt.descriptor(addr, false)
		if d == nil {
			continue
		}
		if d.flags&PageValid != 0 && d.firstTB != nil {
			pt.invalidate(addr >> pageBits)
		}
		d.flags &^= PageValid
	}
}

// Dump writes a coalesced run-length listing of page ranges sharing the
// same flags, in the style of the original's page_dump. Non-zero runs
// only; cmd/tbcachectl colorizes the r/w/x columns with
// github.com/charmbracelet/x/ansi.
func (pt *PageTable) Dump(w io.Writer) {
	fmt.Fprintf(w, "%-12s %-12s %-10s %s\n", "start", "end", "size", "prot")
	var start, prev uint64
	var prevFlags PageFlags
	haveRun := false
	flush := func(end uint64) {
		if haveRun && prevFlags != 0 {
			fmt.Fprintf(w, "0x%08x 0x%08x 0x%08x %c%c%c\n",
				start, end, end-start,
				rwxChar(prevFlags&PageRead != 0, 'r'),
				rwxChar(prevFlags&PageWrite != 0, 'w'),
				rwxChar(prevFlags&PageExec != 0, 'x'))
		}
	}
	for l1i := uint32(0); l1i < l1Size; l1i++ {
		leaf := pt.l1[l1i]
		for l2i := uint32(0); l2i < l2Size; l2i++ {
			addr := (uint64(l1i) << (l2Bits + pageBits)) | (uint64(l2i) << pageBits)
			var flags PageFlags
			if leaf != nil {
				flags = leaf[l2i].flags
			}
			if !haveRun {
				start = addr
				prevFlags = flags
				haveRun = true
			} else if flags != prevFlags {
				flush(addr)
				start = addr
				prevFlags = flags
			}
			prev = addr + PageSize
		}
	}
	flush(prev)
}

func rwxChar(set bool, c byte) byte {
	if set {
		return c
	}
	return '-'
}
