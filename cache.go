// Package tbvm provides a translation-block cache and self-modifying-code
// protection subsystem for a dynamic binary translation CPU emulator. It
// owns the guest page table, the code arena, the TB pool and hash index,
// the chain graph, and the per-CPU execution dispatcher, wiring them
// behind a single handle so a caller need only supply a code generator.
package tbvm

import (
	"fmt"
	"io"

	"github.com/tinyrange/tbvm/internal/config"
	"github.com/tinyrange/tbvm/internal/dispatch"
	"github.com/tinyrange/tbvm/internal/gen"
	"github.com/tinyrange/tbvm/internal/tb"
)

// Flags re-exports internal/tb's Flags so callers never need to import
// the internal package directly.
type Flags = tb.Flags

const (
	FlagCode32 = tb.FlagCode32
	FlagSS32   = tb.FlagSS32
	FlagAddSeg = tb.FlagAddSeg
	FlagVM     = tb.FlagVM
	FlagTF     = tb.FlagTF
)

// PageFlags re-exports internal/tb's PageFlags.
type PageFlags = tb.PageFlags

const (
	PageRead  = tb.PageRead
	PageWrite = tb.PageWrite
	PageExec  = tb.PageExec
)

// CPUState is a per-virtual-CPU register file and pending-exception
// record; re-exported from internal/dispatch so embedders can construct
// one without an internal import.
type CPUState = dispatch.CPUState

// Exception is what Dispatcher.Run returns control on.
type Exception = dispatch.Exception

// Generator is the code-generator contract a VM is constructed with; see
// internal/gen for the full contract and internal/gen/testgen for a
// trivial reference implementation.
type Generator = gen.Generator

// VM is one independent cache-plus-dispatcher instance, matching
// spec.md's Non-goals ("no cross-CPU sharing": each guest CPU owns its
// own cache). Embedders that model multiple guest CPUs construct one VM
// per CPU.
type VM struct {
	cache      *tb.Cache
	dispatcher *dispatch.Dispatcher
	mem        *tb.GuestMemory
	arena      *tb.Arena
}

// New builds a VM from a Config and a Generator. The returned VM owns
// real mmap'd host memory (the arena and the guest memory window) and
// must be closed with Close.
func New(cfg config.Config, g Generator) (*VM, error) {
	arena, err := tb.NewArena(cfg.Arena.CapacityBytes, cfg.Arena.ReserveBytes)
	if err != nil {
		return nil, fmt.Errorf("tbvm: new arena: %w", err)
	}

	mem, err := tb.NewGuestMemory(cfg.GuestMem.Base, cfg.GuestMem.SizeBytes)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("tbvm: new guest memory: %w", err)
	}

	cache := tb.NewCache(arena, cfg.Pool.Capacity, mem, cfg.GuestMem.HostPageSize)
	dispatcher := dispatch.New(cache, g, mem, cfg.Dispatcher)

	return &VM{cache: cache, dispatcher: dispatcher, mem: mem, arena: arena}, nil
}

// Close releases the arena and guest memory window's backing host
// memory. A VM must not be used afterward.
func (v *VM) Close() error {
	err1 := v.mem.Close()
	err2 := v.arena.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Run drives the dispatcher from state.PC until it returns control with
// an Exception (an interrupt, a guest exception, or — only via Abort,
// which never returns — a host bug).
func (v *VM) Run(state *CPUState) *Exception {
	return v.dispatcher.Run(state)
}

// Step runs exactly one resolve-and-chain cycle from state.PC and
// returns, for callers that want single-instruction-block control
// (cmd/tbcachectl's debug console, tests).
func (v *VM) Step(state *CPUState) *Exception {
	return v.dispatcher.Step(state)
}

// GuestMemory exposes the flat guest address window backing this VM, for
// embedders that need to load an initial program image before the first
// Run.
func (v *VM) GuestMemory() *tb.GuestMemory { return v.mem }

// NewCPUState builds a CPUState at pc with Mode seeded from this VM's
// config.DispatcherConfig.InitialFlags (§2.3), so a fresh guest CPU
// starts in whatever mode the config document asked for instead of
// always defaulting to zero.
func (v *VM) NewCPUState(pc uint64) *CPUState {
	return v.dispatcher.NewCPUState(pc)
}

// SetPageFlags applies guest page protection over [start, end). Making a
// page writable again after TBs were generated against it while it was
// read-only routes through the SMC invalidator automatically (§4.A).
func (v *VM) SetPageFlags(start, end uint64, flags PageFlags) {
	v.cache.Lock()
	defer v.cache.Unlock()
	v.cache.SetPageFlags(start, end, flags)
}

// PageFlags returns the current protection flags for the guest page
// containing addr.
func (v *VM) PageFlags(addr uint64) PageFlags {
	return v.cache.PageFlags(addr)
}

// InsertBreakpoint invalidates whatever TB currently covers pc so the
// next translation can have a breakpoint trap inserted by the generator.
// state identifies the CPU whose in-flight chain (if any) must be reset
// back to the dispatcher; pass nil if no CPUState is executing.
func (v *VM) InsertBreakpoint(pc uint64, state *CPUState) {
	v.cache.Lock()
	defer v.cache.Unlock()
	var cur *tb.TB
	if state != nil {
		cur = state.CurrentTB
	}
	v.cache.InsertBreakpoint(pc, cur)
}

// RemoveBreakpoint invalidates whatever TB currently covers pc so the
// next translation regenerates without a breakpoint trap. state identifies
// the CPU whose in-flight chain (if any) must be reset; pass nil if no
// CPUState is executing.
func (v *VM) RemoveBreakpoint(pc uint64, state *CPUState) {
	v.cache.Lock()
	defer v.cache.Unlock()
	var cur *tb.TB
	if state != nil {
		cur = state.CurrentTB
	}
	v.cache.RemoveBreakpoint(pc, cur)
}

// Flush discards every cached TB and rewinds the arena.
func (v *VM) Flush() {
	v.cache.Lock()
	defer v.cache.Unlock()
	v.cache.Flush()
}

// Len reports the number of live, published TBs.
func (v *VM) Len() int { return v.cache.Len() }

// DumpPages writes a coalesced run-length listing of guest page ranges and
// their protection flags to w, in the style of the original's page_dump.
// cmd/tbcachectl colorizes the r/w/x columns of the result.
func (v *VM) DumpPages(w io.Writer) {
	v.cache.Lock()
	defer v.cache.Unlock()
	v.cache.DumpPages(w)
}

// CheckInvariants walks the cache's internal structures and verifies the
// testable properties of spec.md §8 (hash consistency, page-list
// reachability, chain symmetry). Intended for tests and
// cmd/tbcachectl's debug console, not the hot dispatch path.
func (v *VM) CheckInvariants() error {
	v.cache.Lock()
	defer v.cache.Unlock()
	return v.cache.CheckInvariants()
}
