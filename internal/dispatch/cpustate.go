// Package dispatch implements the Execution Dispatcher and Fault &
// Signal Bridge (spec.md §4.G, §4.H): the per-CPU loop that turns a
// translation-block cache into something that actually runs guest code,
// and the machinery that turns a guest-memory fault during that run into
// a guest-visible exception instead of a crashed host process.
package dispatch

import "github.com/tinyrange/tbvm/internal/tb"

// CPUState is the per-virtual-CPU register file and pending-exception
// bookkeeping the dispatcher threads through translation blocks, the Go
// analogue of the original's CPUX86State (§6.2). Only the fields the
// cache and dispatcher themselves need are modeled; the full guest
// register set belongs to the (out-of-scope) decoder/generator.
type CPUState struct {
	// GPR holds the guest general-purpose registers, indexed by the
	// generator's own convention; the dispatcher never interprets them.
	GPR [8]uint64

	// PC is the guest instruction pointer the dispatcher looks up and
	// advances. Segment-relative addressing (real x86 CS:EIP) is folded
	// in by the caller; the cache only ever sees a flat pc.
	PC uint64

	// Mode carries the CS32/SS32/AddSeg/VM bits a real decoder would
	// derive from segment descriptor state (§2.2); deriving them from
	// descriptor tables is out of scope here, so callers set Mode
	// directly.
	Mode tb.Flags

	EFlags uint32
	CS     uint16
	CSBase uint64

	// ExceptionIndex and ErrorCode mirror exception_index/error_code:
	// set by a fault, read by whoever resumes the guest at the handler.
	ExceptionIndex int
	ErrorCode      uint32
	CR2            uint64

	// InterruptRequest is set by SetInterrupt and polled once per
	// dispatch iteration (§4.G), matching cpu_interrupt's
	// interrupt_request flag rather than an async signal.
	InterruptRequest bool

	// CurrentTB is the TB presently executing, set by the dispatcher
	// before each Entry call. SetInterrupt and VM.InsertBreakpoint/
	// RemoveBreakpoint reset the chain rooted at it; the Fault & Signal
	// Bridge does not read it.
	CurrentTB *tb.TB
}

// Flags computes the translation-relevant flags word for the state's
// current mode (§2.2, the original's cpu_get_tb_cpu_state): Mode plus
// the current privilege level and trap flag.
func (s *CPUState) Flags() tb.Flags {
	f := s.Mode.WithCPL(int(s.CS & 3))
	if s.EFlags&eflagsTF != 0 {
		f |= tb.FlagTF
	}
	return f
}

const eflagsTF = 1 << 8
