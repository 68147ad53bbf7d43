// Package tb implements the translation-block cache: the pool of compiled
// guest code fragments, the indexes that find them, the page table that
// tracks which guest pages they cover, and the machinery that tears them
// down when the guest writes to its own code.
package tb

import "fmt"

// Flags packs the execution-mode selectors a translation was specialized
// against. Every bit here participates in hashing and equality; none may be
// treated as insignificant by callers even if a particular Generator
// ignores some of them.
type Flags uint32

const (
	FlagCode32 Flags = 1 << iota // CS is a 32-bit code segment
	FlagSS32                     // SS is a 32-bit stack segment
	FlagAddSeg                   // a non-zero segment base is in play
	FlagVM                       // virtual-8086 mode
	FlagTF                       // trap flag (single-step)
	flagCPLShift
)

const flagCPLMask Flags = 3 << flagCPLShift

// WithCPL returns flags with the current privilege level (0-3) encoded.
func (f Flags) WithCPL(cpl int) Flags {
	return (f &^ flagCPLMask) | Flags(cpl&3)<<flagCPLShift
}

// CPL extracts the current privilege level encoded by WithCPL.
func (f Flags) CPL() int {
	return int((f & flagCPLMask) >> flagCPLShift)
}

// State is the lifecycle stage of a TB, per spec: uninitialized →
// allocated → published → {live, unchained} → invalidated.
type State int

const (
	StateUninitialized State = iota
	StateAllocated
	StatePublished
	StateLive
	StateUnchained
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAllocated:
		return "allocated"
	case StatePublished:
		return "published"
	case StateLive:
		return "live"
	case StateUnchained:
		return "unchained"
	case StateInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Entry is the callable body of a translation block. The real code
// generator and instruction decoder are out of scope for this module; a
// Generator supplies Entry as the behavioral stand-in for the host machine
// code it would otherwise have emitted at TCPtr. See internal/gen.
//
// Entry returns the jump slot (0 or 1) it wants to exit through, or -1 if
// it fell out the tail of the block with no chained successor — the Go
// modeling of the two rewritable jump slots real generated code would
// reach via a direct machine jump (§3, §4.F). It returns a non-nil Fault
// instead of a slot when guest execution hit an exception.
type Entry func(cpu CPUAccess) (slot int, fault *Fault)

// CPUAccess is the narrow slice of CPU/guest-memory state an Entry needs in
// order to run. The dispatcher satisfies it; tests and cmd/tbcachectl may
// supply their own.
type CPUAccess interface {
	LoadGuestByte(addr uint64) (byte, *Fault)
	StoreGuestByte(addr uint64, v byte) *Fault
}

// Fault is a guest-visible exception raised out of an Entry. It is not an
// `error`: lookup functions use absent results for local failure, and
// Fault is reserved for conditions that must unwind to the dispatcher, per
// spec §7's propagation policy.
type Fault struct {
	Kind      FaultKind
	ErrorCode uint32
	CR2       uint64
}

type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultPageFault
	FaultIllegalInstruction
)

func (f *Fault) Error() string {
	if f == nil {
		return "<nil fault>"
	}
	switch f.Kind {
	case FaultPageFault:
		return fmt.Sprintf("guest page fault at 0x%x (error_code=0x%x)", f.CR2, f.ErrorCode)
	case FaultIllegalInstruction:
		return "guest illegal instruction"
	default:
		return "guest fault"
	}
}

// inboundEdge is the explicit, non-pointer-tagged substitute for QEMU's
// `(long)tb1 & 3` trick: one edge per chained predecessor, carrying both
// the predecessor and the slot it used. Edges are linked into a circular
// doubly-linked list so removal is O(1) without walking the list.
type inboundEdge struct {
	owner      *TB
	slot       int
	prev, next *inboundEdge
}

// TB is one published translation: an immutable record of a contiguous run
// of guest instructions and the host code generated for them.
type TB struct {
	PC     uint64
	CSBase uint64
	Flags  Flags
	Size   uint32

	TCPtr uintptr // arena address the generated code begins at
	TCLen uint32  // bytes of generated code

	Entry Entry

	State State

	hashNext *TB

	// pageNext[i] threads this TB through the per-page list of the i-th
	// guest page it straddles (numPages tells how many are in use).
	pageNext  [2]*TB
	pageIndex [2]uint64
	numPages  int
	removed   bool // guards against double-removal when both straddled
	// pages are invalidated in the same pass; substitutes for the
	// parity trick per spec §4.E's explicitly licensed alternative.

	jumpOffsets [2]int    // -1 if the slot is unused by this TB
	jumpTarget  [2]uint64 // guest pc an un-chained exit through this slot resumes at
	outNext     [2]*TB
	outEdge     [2]*inboundEdge

	inbound *inboundEdge // head of the circular list of TBs jumping into this one
}

// spansPage reports whether this TB's guest byte range touches the page at
// index pageIndex.
func (t *TB) spansPage(pageIndex uint64) bool {
	return t.slotForPage(pageIndex) >= 0
}

// JumpTarget reports the guest pc that exiting through jump slot n
// resumes at when that slot is not (or no longer) chained to another TB.
func (t *TB) JumpTarget(n int) uint64 { return t.jumpTarget[n] }

// FallThrough reports the guest pc execution resumes at when Entry falls
// out the tail of the block with no jump taken.
func (t *TB) FallThrough() uint64 { return t.PC + uint64(t.Size) }

// Next reports the TB jump slot n is currently chained to, if any.
func (t *TB) Next(n int) (*TB, bool) {
	next := t.outNext[n]
	return next, next != nil
}

// slotForPage returns which of this TB's (at most two) page-list slots
// corresponds to pageIndex, or -1 if the TB does not span that page.
func (t *TB) slotForPage(pageIndex uint64) int {
	for i := 0; i < t.numPages; i++ {
		if t.pageIndex[i] == pageIndex {
			return i
		}
	}
	return -1
}
