package dispatch

import (
	"github.com/tinyrange/tbvm/internal/config"
	"github.com/tinyrange/tbvm/internal/gen"
	"github.com/tinyrange/tbvm/internal/tb"
)

// maxGenBytes bounds how much arena space a single translation may ask
// for. The arena's own reserve (§3) guarantees this much headroom is
// always available right after a flush; a generator that needs more per
// TB should be given a larger reserve at construction time.
const maxGenBytes = 256

// Dispatcher is the Execution Dispatcher of spec.md §4.G: the per-CPU
// loop that looks up or generates a TB for the current (pc, flags), runs
// it, and follows the chain graph for as long as consecutive TBs stay
// linked, the Go analogue of the original's cpu_x86_exec.
type Dispatcher struct {
	cache  *tb.Cache
	gen    gen.Generator
	access *guestAccess
	cfg    config.DispatcherConfig
}

// New builds a Dispatcher over an already-constructed cache, generator,
// and guest memory window, governed by cfg (§2.3: whether a generator
// rejection is fatal, and the initial flags bits NewCPUState seeds).
func New(cache *tb.Cache, g gen.Generator, mem *tb.GuestMemory, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{cache: cache, gen: g, access: newGuestAccess(mem, cache), cfg: cfg}
}

// NewCPUState builds a CPUState at pc with Mode seeded from cfg's
// InitialFlags (§2.3), the config-driven analogue of a caller
// hand-setting Mode on a bare CPUState.
func (d *Dispatcher) NewCPUState(pc uint64) *CPUState {
	return &CPUState{PC: pc, Mode: d.cfg.InitialFlags}
}

// Run executes chained translation blocks starting from state.PC until
// an interrupt is pending, a guest exception is raised, or a host bug is
// detected (in which case Run never returns — see Abort). A nil return
// cannot happen; Run always ends in one of the Exception kinds.
//
// Between TBs that were not already linked, Run calls Cache.Link itself
// once it has resolved the successor — the Go substitute for the
// original patching a direct machine jump into the predecessor's code
// the first time it discovers where control actually goes (§4.F).
func (d *Dispatcher) Run(state *CPUState) *Exception {
	var pred *tb.TB
	predSlot := -1

	for {
		if state.InterruptRequest {
			return &Exception{Kind: GuestInterrupt, PC: state.PC}
		}

		cur, exc := d.resolve(state)
		if exc != nil {
			return exc
		}

		if pred != nil {
			d.cache.Lock()
			d.cache.Link(pred, predSlot, cur)
			d.cache.Unlock()
		}

		last, slot, fault := d.runChain(state, cur)
		if fault != nil {
			state.ExceptionIndex = int(fault.Kind)
			state.ErrorCode = fault.ErrorCode
			state.CR2 = fault.CR2
			return &Exception{Kind: GuestPageFault, PC: state.PC, Msg: fault.Error()}
		}

		if slot < 0 {
			pred, predSlot = nil, -1
		} else {
			pred, predSlot = last, slot
		}
	}
}

// Step runs exactly one resolve-and-chain cycle: it resolves the TB at
// state.PC (generating one on a miss), runs it and whatever it is
// already chained to, and returns. Unlike Run it neither checks
// InterruptRequest up front nor opportunistically links the chain it
// just ran to whatever comes next — it is for callers that want
// single-step control, such as cmd/tbcachectl's debug console and tests.
func (d *Dispatcher) Step(state *CPUState) *Exception {
	cur, exc := d.resolve(state)
	if exc != nil {
		return exc
	}
	_, _, fault := d.runChain(state, cur)
	if fault != nil {
		state.ExceptionIndex = int(fault.Kind)
		state.ErrorCode = fault.ErrorCode
		state.CR2 = fault.CR2
		return &Exception{Kind: GuestPageFault, PC: state.PC, Msg: fault.Error()}
	}
	return nil
}

// resolve returns the TB for state's current (pc, flags), generating and
// publishing one on a cache miss.
func (d *Dispatcher) resolve(state *CPUState) (*tb.TB, *Exception) {
	flags := state.Flags()
	if found, ok := d.cache.Lookup(state.PC, state.CSBase, flags); ok {
		return found, nil
	}
	return d.translate(state, flags)
}

// translate generates and publishes a new TB for (pc, csBase, flags),
// flushing and retrying once if the arena has no room. A GenFailure
// becomes a guest illegal-instruction exception rather than propagating
// the generator's error (§7), unless cfg.FatalGenFailure asked for a
// hard abort instead.
func (d *Dispatcher) translate(state *CPUState, flags tb.Flags) (*tb.TB, *Exception) {
	for attempt := 0; attempt < 2; attempt++ {
		d.cache.Lock()
		cur, ok, genErr := d.generate(state.PC, state.CSBase, flags)
		if genErr != nil {
			d.cache.Unlock()
			if d.cfg.FatalGenFailure {
				Abort(state.PC, "generator rejected opcode: %v", genErr)
			}
			state.ExceptionIndex = int(tb.FaultIllegalInstruction)
			return nil, &Exception{Kind: GuestIllegal, PC: state.PC, Msg: genErr.Error()}
		}
		if !ok {
			// Arena or pool exhausted: flush and retry once (§4.C).
			d.cache.Flush()
			d.cache.Unlock()
			continue
		}
		d.cache.Unlock()
		return cur, nil
	}
	return nil, &Exception{Kind: ArenaFull, PC: state.PC, Msg: "arena exhausted after flush"}
}

// generate runs one generate/alloc/publish attempt. Must be called with
// the cache lock held. The generator runs first and a rejected opcode
// never allocates a TB descriptor at all — §4.G's call sequence ("call
// the external code generator... if generation fails, release the lock
// and raise illegal-instruction; otherwise allocate a TB descriptor"),
// matching original_source/exec-i386.c's cpu_x86_gen_code-then-tb_alloc
// order. Allocating first would leak an unpublished, never-hash-inserted
// TB{TCPtr:0} into the store on every GenFailure, corrupting invariant 3
// (tc_ptr strictly monotonic with allocation order). The second result is
// false when the cache has no room (caller should flush and retry);
// genErr is non-nil when the generator itself rejected the opcode.
func (d *Dispatcher) generate(pc, csBase uint64, flags tb.Flags) (cur *tb.TB, ok bool, genErr error) {
	result, err := d.gen.Generate(pc, csBase, flags, maxGenBytes)
	if err != nil {
		return nil, false, err
	}
	cur, ok = d.cache.Alloc(pc)
	if !ok {
		return nil, false, nil
	}
	if !d.cache.Publish(cur, result.Code, csBase, flags, result.GuestBytes, result.JumpOffsets, result.JumpTargets, result.Entry) {
		return nil, false, nil
	}
	return cur, true, nil
}

// runChain enters cur and follows its jump-slot chain for as long as
// consecutive TBs stay directly linked (§4.F), checking for a pending
// interrupt between each one. It returns the last TB it ran and the slot
// it exited through (-1 for a fallthrough), having already advanced
// state.PC to wherever execution should resume; the caller links that
// (TB, slot) pair to whatever TB it resolves next.
func (d *Dispatcher) runChain(state *CPUState, cur *tb.TB) (last *tb.TB, slot int, fault *tb.Fault) {
	d.cache.EnterExecution()
	defer d.cache.LeaveExecution()

	for {
		state.CurrentTB = cur
		slot, fault = cur.Entry(d.access)
		if fault != nil {
			return cur, slot, fault
		}

		if slot < 0 {
			state.PC = cur.FallThrough()
			return cur, slot, nil
		}

		state.PC = cur.JumpTarget(slot)
		if state.InterruptRequest {
			return cur, slot, nil
		}
		next, ok := cur.Next(slot)
		if !ok {
			return cur, slot, nil
		}
		cur = next
	}
}
