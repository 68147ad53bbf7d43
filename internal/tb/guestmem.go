package tb

import "fmt"

// GuestMemory is a flat, host-backed window standing in for the guest's
// linear address space. Real system emulation backs guest RAM with its
// own device/mapping layer (out of scope here, per spec.md §1's "emulated
// device models" and "machine-description tables" exclusions); this
// module only needs *some* real host memory to protect and fault against
// so the Host Page Protector and Fault & Signal Bridge are exercised with
// genuine mprotect/SIGSEGV-class behavior rather than simulated bookkeeping.
//
// GuestBase is the guest address the window's first byte represents;
// guest address `a` lives at host offset `a - GuestBase`.
type GuestMemory struct {
	mem       []byte
	GuestBase uint64
	platform  guestMemPlatform
}

// NewGuestMemory maps a window of `size` bytes (rounded up to a host page)
// of host memory to stand in for the guest addresses
// [guestBase, guestBase+size).
func NewGuestMemory(guestBase uint64, size int) (*GuestMemory, error) {
	mem, plat, err := newGuestMemPlatform(size)
	if err != nil {
		return nil, fmt.Errorf("tb: map guest memory window: %w", err)
	}
	return &GuestMemory{mem: mem, GuestBase: guestBase, platform: plat}, nil
}

// Close releases the backing window.
func (g *GuestMemory) Close() error { return g.platform.close(g.mem) }

// Size is the window length in bytes.
func (g *GuestMemory) Size() int { return len(g.mem) }

// Contains reports whether guest address addr falls inside the window.
func (g *GuestMemory) Contains(addr uint64) bool {
	return addr >= g.GuestBase && addr-g.GuestBase < uint64(len(g.mem))
}

// HostAddr returns the host address backing guest address addr. Callers
// must check Contains first.
func (g *GuestMemory) HostAddr(addr uint64) uintptr {
	return uintptr(unsafePtr(g.mem)) + uintptr(addr-g.GuestBase)
}

// LoadByte and StoreByte perform a real memory access against the mapped
// window. When the underlying host page has been made non-writable by the
// Host Page Protector, StoreByte's write genuinely faults; the dispatcher
// wraps calls into guest memory with debug.SetPanicOnFault so that fault
// surfaces as a recoverable panic instead of crashing the process (see
// internal/dispatch/fault.go).
func (g *GuestMemory) LoadByte(addr uint64) byte {
	return g.mem[addr-g.GuestBase]
}

func (g *GuestMemory) StoreByte(addr uint64, v byte) {
	g.mem[addr-g.GuestBase] = v
}

// protectRange makes the host pages covering [start, end) read-only.
func (g *GuestMemory) protectRange(start, end uint64) error {
	lo := pageAlignDown(start - g.GuestBase)
	hi := pageAlignUp(end - g.GuestBase)
	return g.platform.protect(g.mem[lo:hi], false)
}

// unprotectRange restores write permission to the host pages covering
// [start, end).
func (g *GuestMemory) unprotectRange(start, end uint64) error {
	lo := pageAlignDown(start - g.GuestBase)
	hi := pageAlignUp(end - g.GuestBase)
	return g.platform.protect(g.mem[lo:hi], true)
}

type guestMemPlatform interface {
	protect(mem []byte, writable bool) error
	close(mem []byte) error
}
