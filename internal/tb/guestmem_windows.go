//go:build windows

package tb

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type windowsGuestMemPlatform struct{}

func newGuestMemPlatform(size int) ([]byte, guestMemPlatform, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, nil, fmt.Errorf("VirtualAlloc guest memory: %w", err)
	}
	return unsafeSliceFromPointer(addr, size), windowsGuestMemPlatform{}, nil
}

func (windowsGuestMemPlatform) protect(mem []byte, writable bool) error {
	if len(mem) == 0 {
		return nil
	}
	prot := uint32(windows.PAGE_READONLY)
	if writable {
		prot = windows.PAGE_READWRITE
	}
	var old uint32
	addr := unsafePtrAsUintptr(mem)
	if err := windows.VirtualProtect(addr, uintptr(len(mem)), prot, &old); err != nil {
		return fmt.Errorf("VirtualProtect guest memory: %w", err)
	}
	return nil
}

func (windowsGuestMemPlatform) close(mem []byte) error {
	addr := unsafePtrAsUintptr(mem)
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
