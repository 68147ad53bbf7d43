package dispatch

import "github.com/tinyrange/tbvm/internal/tb"

// SetInterrupt marks state as having an interrupt pending (§4.G, the
// original's cpu_interrupt) and resets the chain rooted at the CPU's
// currently-executing TB. §4.F/§5 require every asynchronous event —
// interrupt delivery is one, breakpoint insertion (Cache.InsertBreakpoint/
// RemoveBreakpoint) is the other — to make this ResetRecursive call
// against current_tb, not just set a flag: without it, a concurrent
// goroutine driving the same chain (a second CPU's dispatcher sharing
// state.CurrentTB with this one, or this state's own next iteration after
// InterruptRequest is cleared and re-set) could keep following
// already-resolved jump slots instead of re-resolving through the
// dispatcher. Real generated machine code would need its direct jump
// patched out for the same reason; a tb.Entry closure has no such jump to
// patch, so ResetRecursive plus the dispatcher's per-hop InterruptRequest
// poll together stand in for it.
//
// Like Cache.Unprotect, this does not take the cache lock itself: a
// caller delivering an interrupt from outside the CPU's own dispatch
// goroutine (an interrupt controller on another goroutine) must hold
// whatever lock it shares with that dispatcher's Run/Step calls.
func SetInterrupt(state *CPUState) {
	state.InterruptRequest = true
	tb.ResetRecursive(state.CurrentTB)
}

// ClearInterrupt is called once the pending interrupt has been delivered
// to the guest and the dispatch loop may resume normal chaining.
func ClearInterrupt(state *CPUState) {
	state.InterruptRequest = false
}
