// Package gen defines the contract between the translation-block cache
// and the instruction decoder / code generator, per spec.md §6.1. The
// decoder and generator themselves are explicitly out of scope for this
// module (spec.md §1 names them "the hardest engineering outside the
// core, deliberately excluded"); this package only specifies what a
// generator must deliver and how the cache consumes it.
package gen

import "github.com/tinyrange/tbvm/internal/tb"

// Result is what a Generator hands back to the dispatcher on a cache
// miss.
type Result struct {
	// Code is the host bytes to publish into the arena. A real
	// generator would emit actual machine code here; see tb.Arena's doc
	// comment for why this module's own test/demo generators instead
	// emit inert placeholder bytes and carry behavior in Entry.
	Code []byte

	// GuestBytes is the number of guest bytes this translation
	// consumed.
	GuestBytes uint32

	// JumpOffsets are the byte offsets into Code at which the two
	// rewritable jump slots would sit (§3). -1 marks an unused slot.
	JumpOffsets [2]int

	// JumpTargets are the guest pc values each jump slot resumes at when
	// the dispatcher has not (or no longer) chained it directly to
	// another TB.
	JumpTargets [2]uint64

	// Entry is the behavioral stand-in the dispatcher calls instead of
	// jumping into Code; see tb.Entry.
	Entry tb.Entry
}

// Generator is the external collaborator the dispatcher calls on a cache
// miss: generate(target_buf, buf_size, pc, cs_base, flags) in spec.md's
// notation.
type Generator interface {
	// Generate must respect maxBytes, emit the two jump slots (if used)
	// at the offsets it reports, and preserve enough state at
	// potential-fault sites that a restart from pc is valid. It returns
	// an error exactly when the guest opcode at pc is one the generator
	// rejects (§7's GenFailure), which the dispatcher turns into a
	// guest illegal-instruction exception.
	Generate(pc, csBase uint64, flags tb.Flags, maxBytes int) (Result, error)
}

// FixedStub is the shape of a callback a Generator may route through for
// guest instructions whose side effects the cache alone cannot model —
// interrupts, halts, privileged loads (§6.1). It is part of the
// generator/dispatcher contract surface, not something this module
// implements: the decoder that would call it is out of scope.
type FixedStub func(cpu tb.CPUAccess) *tb.Fault
