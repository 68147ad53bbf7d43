package tb

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Invalidator is the SMC Invalidator of §4.E: on a write fault or an
// explicit unprotect/set-flags call, it removes every TB intersecting a
// given guest page.
//
// The original source's parity trick avoided double-freeing a TB that
// straddles two pages both being invalidated in the same pass by
// filtering on page-index parity. This module instead gives each TB a
// `removed` flag (§4.E: "implementations that can afford an extra bit per
// link may substitute a visited flag and need not encode parity") and
// checks it before tearing a TB down, which is simpler to read and costs
// one bool per TB.
type Invalidator struct {
	pages *PageTable
	hash  *HashIndex

	// traceLimiter throttles the per-invalidation slog.Debug trace so a
	// guest hammering one code page with self-modifying writes doesn't
	// flood the log; the original source gated the equivalent trace
	// behind a compile-time DEBUG_TB_INVALIDATE macro, this is its
	// runtime equivalent.
	traceLimiter rate.Sometimes
}

// NewInvalidator ties the page table and hash index together for
// invalidation purposes. Cache constructs this once and hands
// InvalidatePage to the PageTable and Protector as their callback.
func NewInvalidator(pages *PageTable, hash *HashIndex) *Invalidator {
	return &Invalidator{
		pages:        pages,
		hash:         hash,
		traceLimiter: rate.Sometimes{Interval: time.Second},
	}
}

// InvalidatePage removes every TB registered against pageIndex: from the
// hash index, from the chain graph (both inbound and outbound edges), and
// from whichever other page it straddles. The page's own TB list is then
// cleared wholesale.
func (inv *Invalidator) InvalidatePage(pageIndex uint64) {
	tb := inv.pages.firstTB(pageIndex)
	n := 0
	for tb != nil {
		slot := tb.slotForPage(pageIndex)
		next := tb.pageNext[slot]
		inv.invalidateTB(tb, pageIndex)
		tb = next
		n++
	}
	inv.pages.setFirstTB(pageIndex, nil)

	if n > 0 {
		inv.traceLimiter.Do(func() {
			slog.Debug("tb: smc invalidation", "page", pageIndex, "removed", n)
		})
	}
}

func (inv *Invalidator) invalidateTB(tb *TB, exceptPage uint64) {
	if tb.removed {
		return
	}
	tb.removed = true
	tb.State = StateInvalidated

	inv.hash.Remove(tb)
	detachInbound(tb)
	detachOutbound(tb)

	for i := 0; i < tb.numPages; i++ {
		pi := tb.pageIndex[i]
		if pi == exceptPage {
			continue
		}
		inv.removeFromPageList(tb, pi)
	}
}

// removeFromPageList unlinks tb from the (still-live) per-page list of
// pageIndex, which is not the page currently being bulk-cleared by the
// caller.
func (inv *Invalidator) removeFromPageList(tb *TB, pageIndex uint64) {
	d := inv.pages.descriptor(pageIndex<<pageBits, true)
	slot := tb.slotForPage(pageIndex)
	pp := &d.firstTB
	for cur := *pp; cur != nil; cur = *pp {
		curSlot := cur.slotForPage(pageIndex)
		if cur == tb {
			*pp = cur.pageNext[slot]
			return
		}
		pp = &cur.pageNext[curSlot]
	}
}
