// Package testgen is a trivial stand-in for the instruction decoder and
// code generator spec.md explicitly puts out of scope (§1). It exists
// only so internal/tb and internal/dispatch have something real to call
// through the gen.Generator contract in tests and in cmd/tbcachebench's
// synthetic replay mode — it does not decode guest opcodes at all.
//
// A Program is a fixed table of instructions keyed by guest PC; Generate
// looks up the instruction at the requested pc and turns it into a
// one-instruction translation block. This mirrors the teacher's
// internal/ir test fixtures, which likewise hand-build small fixed
// instruction sequences rather than decoding real guest bytes.
package testgen

import (
	"fmt"

	"github.com/tinyrange/tbvm/internal/gen"
	"github.com/tinyrange/tbvm/internal/tb"
)

// Op is the tiny instruction set a Program can express. There is no
// encoding: Op values are interpreted directly by the Entry closure
// Generate builds, standing in for what real generated machine code
// would do.
type Op int

const (
	// OpNop consumes Len bytes and falls out the tail with no jump.
	OpNop Op = iota
	// OpLoad reads guest byte Addr and discards it (a read-only access,
	// for exercising the page table's read path).
	OpLoad
	// OpStore writes Value to guest byte Addr (the access the Host Page
	// Protector and SMC Invalidator exist to police).
	OpStore
	// OpJump always exits through slot 0, chaining to whatever TB is
	// linked there (or returning to the dispatcher if none is).
	OpJump
)

// Instr is one fixed-behavior instruction in a Program.
type Instr struct {
	Op     Op
	Len    uint32 // guest bytes this instruction occupies
	Addr   uint64 // guest address for OpLoad/OpStore
	Value  byte   // store value for OpStore
	Target uint64 // guest pc for OpJump
}

// Program maps guest PC to the fixed instruction generated there. Lookups
// for a PC absent from the map behave as a GenFailure, the stand-in for
// "the decoder rejected this opcode" (§7).
type Program map[uint64]Instr

// stubCode is the inert placeholder host bytes Generate publishes into
// the arena. It is never executed — tb.Entry carries the real behavior —
// but it is genuine memory inside a real mmap'd, W^X-governed Arena, so
// arena exhaustion and publish bookkeeping are exercised faithfully. A
// single ret-like byte is enough; see tb.Arena's doc comment for why this
// module does not synthesize real machine code.
var stubCode = []byte{0xc3}

// Generator implements gen.Generator against a fixed Program.
type Generator struct {
	Prog Program
}

// Generate looks up pc in the program and returns a one-instruction
// translation. flags and csBase are recorded on the Entry closure's
// behavior only insofar as the dispatcher threads them back in via
// CPUAccess; this generator ignores them otherwise, same as it ignores
// the real decoder work a Flags-sensitive generator would do.
func (g *Generator) Generate(pc, csBase uint64, flags tb.Flags, maxBytes int) (gen.Result, error) {
	instr, ok := g.Prog[pc]
	if !ok {
		return gen.Result{}, fmt.Errorf("testgen: no instruction fixed at pc=0x%x", pc)
	}
	if len(stubCode) > maxBytes {
		return gen.Result{}, fmt.Errorf("testgen: arena chunk too small for stub (%d > %d)", len(stubCode), maxBytes)
	}
	if instr.Len == 0 {
		instr.Len = 1
	}

	targets := [2]uint64{0, 0}
	if instr.Op == OpJump {
		targets[0] = instr.Target
	} else {
		targets[0] = pc + uint64(instr.Len)
	}

	entry := buildEntry(instr)
	return gen.Result{
		Code:        stubCode,
		GuestBytes:  instr.Len,
		JumpOffsets: [2]int{-1, -1},
		JumpTargets: targets,
		Entry:       entry,
	}, nil
}

func buildEntry(instr Instr) tb.Entry {
	return func(cpu tb.CPUAccess) (int, *tb.Fault) {
		switch instr.Op {
		case OpLoad:
			if _, fault := cpu.LoadGuestByte(instr.Addr); fault != nil {
				return 0, fault
			}
		case OpStore:
			if fault := cpu.StoreGuestByte(instr.Addr, instr.Value); fault != nil {
				return 0, fault
			}
		case OpJump:
			return 0, nil
		}
		return -1, nil
	}
}
