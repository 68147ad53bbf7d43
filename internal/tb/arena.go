package tb

import "fmt"

// Arena is the contiguous, fixed-size executable byte region generated
// host code is appended into (§3, Code Arena). It is never compacted; a
// flush discards everything published into it and resets genPtr to zero.
//
// Bytes in the arena exist purely for the bookkeeping invariants spec §3
// and §8 describe (monotonic TCPtr, tc_ptr binary search, arena capacity
// accounting, W^X discipline at the host-page level) — the actual
// generated host code that the original subsystem wraps is produced by
// the instruction decoder/code generator, which spec.md §1 explicitly
// places out of scope. The behavior a published TB exhibits when the
// dispatcher "enters" it is instead carried by the TB's Entry closure
// (see types.go), supplied by a Generator (internal/gen). Arena.Publish
// still writes whatever bytes the Generator hands it and still flips the
// backing pages between writable and executable, so the W^X discipline
// and capacity accounting are exercised for real.
type Arena struct {
	mem      []byte
	capacity int
	reserve  int
	genPtr   int
	platform arenaPlatform
}

// NewArena allocates an executable-capable arena of the given capacity,
// reserving `reserve` bytes so a flush is triggered before the arena could
// ever be asked to hold a TB larger than that reserve (§3: "a flush is
// triggered when the free space drops below one maximum-single-TB
// reservation").
func NewArena(capacity, reserve int) (*Arena, error) {
	if capacity <= 0 || reserve <= 0 || reserve > capacity {
		return nil, fmt.Errorf("tb: invalid arena geometry (capacity=%d reserve=%d)", capacity, reserve)
	}
	mem, plat, err := newArenaPlatform(capacity)
	if err != nil {
		return nil, fmt.Errorf("tb: allocate code arena: %w", err)
	}
	return &Arena{mem: mem, capacity: capacity, reserve: reserve, platform: plat}, nil
}

// Close releases the arena's backing memory.
func (a *Arena) Close() error {
	return a.platform.close(a.mem)
}

// Remaining reports how many bytes are free before the reserve line.
func (a *Arena) Remaining() int {
	return a.capacity - a.reserve - a.genPtr
}

// exhausted reports whether appending need bytes would cross into the
// reserve.
func (a *Arena) exhausted(need int) bool {
	return a.genPtr+need > a.capacity-a.reserve
}

// Publish writes code at the current genPtr, makes the containing pages
// executable again, and advances genPtr rounded up to 16-byte alignment.
// It returns the base address the code was written at. Callers must have
// already checked Remaining via Store.Alloc's admission test; Publish
// itself re-checks and returns false on exhaustion as a defensive measure.
func (a *Arena) Publish(code []byte) (tcPtr uintptr, ok bool) {
	if a.exhausted(len(code)) {
		return 0, false
	}
	start := a.genPtr
	if err := a.platform.makeWritable(a.mem); err != nil {
		return 0, false
	}
	copy(a.mem[start:], code)
	if err := a.platform.makeExecutable(a.mem); err != nil {
		return 0, false
	}
	const align = 16
	a.genPtr = (start + len(code) + align - 1) &^ (align - 1)
	return uintptr(unsafePtr(a.mem)) + uintptr(start), true
}

// Reset discards all published code and rewinds genPtr to zero (§4.C
// flush). Backing memory is reused, not reallocated.
func (a *Arena) Reset() {
	a.genPtr = 0
}

// Base returns the arena's starting host address, used by FindByTC's
// bounds check and by the fault bridge's "is this PC inside the arena"
// test (§4.H).
func (a *Arena) Base() uintptr { return uintptr(unsafePtr(a.mem)) }

// End returns the first address past the arena's backing allocation.
func (a *Arena) End() uintptr { return a.Base() + uintptr(a.capacity) }

// Contains reports whether a host program counter lies inside the arena's
// backing allocation, per the fault bridge's "host PC is not inside the
// arena" fatal-abort branch.
func (a *Arena) Contains(pc uintptr) bool {
	return pc >= a.Base() && pc < a.End()
}

// arenaPlatform is the OS-specific slice of mmap/mprotect (and, on Apple
// Silicon, the hardened-runtime JIT write-protect toggle) that the arena
// needs. Implementations live in arena_linux.go / arena_darwin.go /
// arena_windows.go.
type arenaPlatform interface {
	makeWritable(mem []byte) error
	makeExecutable(mem []byte) error
	close(mem []byte) error
}
