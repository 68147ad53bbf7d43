package dispatch

import (
	"fmt"
	"log/slog"
	"os"
)

// Kind classifies the ways a dispatch iteration can fail to simply
// return a jump slot, per spec.md §7's exception table.
type Kind int

const (
	// ArenaFull means the arena had no room for a new translation; the
	// dispatcher must flush and retry, not propagate this as a guest
	// exception.
	ArenaFull Kind = iota
	// GenFailure means the generator rejected the opcode at the current
	// pc; the dispatcher turns this into a guest illegal-instruction
	// exception rather than aborting.
	GenFailure
	// GuestPageFault is a real fault raised out of generated code via
	// the Fault & Signal Bridge.
	GuestPageFault
	// GuestIllegal is a guest illegal-instruction exception, whether
	// raised by GenFailure or by the Entry closure itself.
	GuestIllegal
	// GuestInterrupt means the dispatch loop exited to service a
	// pending interrupt (§4.G); not an error, but reported through the
	// same channel so callers have one place to look.
	GuestInterrupt
	// HostBug marks an invariant violation in the cache or dispatcher
	// itself — the Go analogue of the original's cpu_abort, always
	// fatal.
	HostBug
)

func (k Kind) String() string {
	switch k {
	case ArenaFull:
		return "arena_full"
	case GenFailure:
		return "gen_failure"
	case GuestPageFault:
		return "guest_page_fault"
	case GuestIllegal:
		return "guest_illegal"
	case GuestInterrupt:
		return "guest_interrupt"
	case HostBug:
		return "host_bug"
	default:
		return "unknown"
	}
}

// Exception carries one of the above outcomes up out of Step.
type Exception struct {
	Kind Kind
	Msg  string

	// PC is the guest program counter the exception is attributed to.
	PC uint64
}

func (e *Exception) Error() string {
	return fmt.Sprintf("dispatch: %s at pc=0x%x: %s", e.Kind, e.PC, e.Msg)
}

// Abort reports a HostBug exception and terminates the process, the Go
// analogue of the original's cpu_abort: an invariant violation in the
// cache or dispatcher is not something execution can safely continue
// past.
func Abort(pc uint64, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Error("dispatch: host bug, aborting", "pc", fmt.Sprintf("0x%x", pc), "msg", msg)
	os.Exit(2)
}
