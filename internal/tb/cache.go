package tb

import (
	"io"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Cache is the single handle design notes prescribe: "encapsulate the
// page map, arena, TB pool, and hash index in a single cache handle
// threaded through the dispatcher; retain a single mutex for writers.
// Avoid process-wide singletons." It owns components A–F; its callers are
// the dispatcher (internal/dispatch, components G–H) and the root
// package's VM facade.
//
// Two locks are in play, matching §5's concurrency model:
//   - mu is the cache_lock: held for TB publication, SMC invalidation,
//     flush, and breakpoint add/remove. Generated code must never take it.
//   - gate is the flush-vs-in-flight-pointer quiescence barrier that
//     resolves Open Question #1 in spec.md §9: Flush takes it for
//     writing, the dispatcher holds it for reading for as long as it is
//     inside a chained run of TB.Entry calls holding raw arena state, so
//     a flush can never race a reader still inside generated code.
//
// gvisor.dev/gvisor/pkg/sync supplies both as drop-in, checklocks-capable
// replacements for stdlib sync.Mutex/sync.RWMutex — chosen because the
// teacher's own dependency tree already carries gvisor, and gvisor's own
// platform backends lean on this same package for exactly this shape of
// "stop execution before mutating shared state" coordination.
type Cache struct {
	mu   gsync.Mutex
	gate gsync.RWMutex

	pages *PageTable
	hash  *HashIndex
	store *Store
	inv   *Invalidator
	prot  *Protector
	chain Chain
}

// NewCache wires components A–F together over the given arena and guest
// memory window.
func NewCache(arena *Arena, poolCapacity int, mem *GuestMemory, hostPageSize uint64) *Cache {
	var inv *Invalidator
	pages := NewPageTable(func(pageIndex uint64) { inv.InvalidatePage(pageIndex) })
	hash := &HashIndex{}
	inv = NewInvalidator(pages, hash)
	store := NewStore(arena, poolCapacity)
	prot := NewProtector(mem, pages, hostPageSize, inv.InvalidatePage)

	return &Cache{pages: pages, hash: hash, store: store, inv: inv, prot: prot}
}

// Lock acquires the cache_lock. Callers must Unlock before entering
// generated code (§5: "Generated code must not take the lock").
func (c *Cache) Lock()   { c.mu.Lock() }
func (c *Cache) Unlock() { c.mu.Unlock() }

// EnterExecution marks the start of a run through one or more chained
// TB.Entry calls; LeaveExecution marks its end. Flush cannot proceed while
// any execution is outstanding.
func (c *Cache) EnterExecution() { c.gate.RLock() }
func (c *Cache) LeaveExecution() { c.gate.RUnlock() }

// Lookup finds a published TB matching (pc, csBase, flags). Safe to call
// without holding the cache lock, matching the original's lock-free
// tb_find fast path; only the miss path needs the lock.
func (c *Cache) Lookup(pc, csBase uint64, flags Flags) (*TB, bool) {
	return c.hash.Lookup(pc, csBase, flags)
}

// Alloc reserves a new TB descriptor. Must be called with the cache lock
// held.
func (c *Cache) Alloc(pc uint64) (*TB, bool) {
	return c.store.Alloc(pc)
}

// Publish finishes wiring an allocated TB into the cache: it writes code
// into the arena, threads the TB through the page lists for every guest
// page it spans (protecting those pages from further writes if needed),
// and inserts it into the hash index. Must be called with the cache lock
// held. Returns false if the arena could not hold `code` — the caller
// must flush and retry the whole dispatch step.
func (c *Cache) Publish(tb *TB, code []byte, csBase uint64, flags Flags, size uint32, jumpOffsets [2]int, jumpTargets [2]uint64, entry Entry) bool {
	if !c.store.Publish(tb, code) {
		return false
	}
	tb.CSBase = csBase
	tb.Flags = flags
	tb.Size = size
	tb.Entry = entry
	tb.jumpOffsets = jumpOffsets
	tb.jumpTarget = jumpTargets

	c.linkPages(tb)
	c.hash.Insert(tb)
	tb.State = StatePublished
	return true
}

// linkPages threads tb through the (one or two) guest pages it spans and
// protects any page found writable at link time (§4.C tb_link / §4.B
// tb_alloc_page in the original).
func (c *Cache) linkPages(tb *TB) {
	first := tb.PC >> pageBits
	last := (tb.PC + uint64(tb.Size) - 1) >> pageBits

	tb.pageIndex[0] = first
	tb.numPages = 1
	c.allocPage(tb, 0, first)

	if last != first {
		tb.pageIndex[1] = last
		tb.numPages = 2
		c.allocPage(tb, 1, last)
	}
}

func (c *Cache) allocPage(tb *TB, slot int, pageIndex uint64) {
	d := c.pages.descriptor(pageIndex<<pageBits, true)
	tb.pageNext[slot] = d.firstTB
	d.firstTB = tb
	if d.flags&PageWrite != 0 {
		_ = c.prot.ProtectPage(pageIndex)
	}
}

// Flush discards every TB and rewinds the arena (§4.C). It blocks until no
// execution is in flight (the quiescence barrier) and must be called with
// the cache lock held.
func (c *Cache) Flush() {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.store.Flush()
	c.hash.Reset()
	c.pages.flushAllTBLists()
}

// FindByTC recovers the TB a host program counter lies within (§4.C,
// §8 property 8).
func (c *Cache) FindByTC(hostPC uintptr) (*TB, bool) {
	return c.store.FindByTC(hostPC)
}

// Link chains TB a's jump slot n to TB b (§4.F). Must be called with the
// cache lock held.
func (c *Cache) Link(a *TB, n int, b *TB) { c.chain.Link(a, n, b) }

// SetPageFlags applies guest page protection over [start, end), routing
// through the SMC invalidator when a page with registered TBs is being
// made writable again (§4.A). Must be called with the cache lock held.
func (c *Cache) SetPageFlags(start, end uint64, flags PageFlags) {
	c.pages.SetFlags(start, end, flags)
}

// PageFlags returns the current flags for the page containing addr.
func (c *Cache) PageFlags(addr uint64) PageFlags {
	return c.pages.GetFlags(addr)
}

// DumpPages writes the page table's coalesced run-length listing to w.
func (c *Cache) DumpPages(w io.Writer) {
	c.pages.Dump(w)
}

// Unprotect is the signal-handler-facing entry point (§4.B, §4.H). It
// does not take the cache lock itself: per §5's reentrancy rule, SMC
// invalidation triggered from the fault path must not require the
// executor's lock, since the executor entered generated code without
// holding it. Callers running on the fault path should still hold
// whatever dedicated lock protects this call from racing a concurrent
// Flush/Publish on another goroutine, if one exists in their embedding.
func (c *Cache) Unprotect(hostAddr uintptr) bool {
	return c.prot.Unprotect(hostAddr)
}

// InsertBreakpoint invalidates the page containing pc so the next
// translation of it can have a breakpoint trap inserted by the generator
// (supplemented feature, original exec.c's cpu_breakpoint_insert). Must
// be called with the cache lock held.
//
// currentTB, if non-nil, is the CPU's currently-executing TB: breakpoint
// insertion is an asynchronous event with respect to a chain already in
// flight, and §4.F/§5 require the same ResetRecursive call interrupt
// delivery makes (dispatch.SetInterrupt) so a chain that already jumped
// past pc before the breakpoint was inserted is forced back through the
// dispatcher rather than continuing on stale direct links.
func (c *Cache) InsertBreakpoint(pc uint64, currentTB *TB) {
	c.inv.InvalidatePage(pc >> pageBits)
	ResetRecursive(currentTB)
}

// RemoveBreakpoint invalidates the page containing pc so the next
// translation of it regenerates without a breakpoint trap (original
// exec.c's cpu_breakpoint_remove). Same ResetRecursive requirement and
// locking contract as InsertBreakpoint.
func (c *Cache) RemoveBreakpoint(pc uint64, currentTB *TB) {
	c.inv.InvalidatePage(pc >> pageBits)
	ResetRecursive(currentTB)
}

// Len reports the number of live, published TBs.
func (c *Cache) Len() int { return c.store.Len() }

// CheckInvariants walks the cache and verifies the properties of spec.md
// §8: hash consistency, page-list reachability, and chain symmetry. It is
// the runtime-optional analogue of the original's DEBUG_TB_CHECK-gated
// tb_page_check/tb_invalidate_check, kept callable rather than compiled
// out since the cost of checking is trivial next to generating code.
func (c *Cache) CheckInvariants() error {
	return c.checkInvariants()
}

func (pt *PageTable) flushAllTBLists() {
	for _, leaf := range pt.l1 {
		if leaf == nil {
			continue
		}
		for i := range leaf {
			leaf[i].firstTB = nil
		}
	}
}
