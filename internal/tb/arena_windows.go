//go:build windows

package tb

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type windowsArenaPlatform struct{}

func newArenaPlatform(capacity int) ([]byte, arenaPlatform, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(capacity), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, nil, fmt.Errorf("VirtualAlloc arena: %w", err)
	}
	mem := unsafeSliceFromPointer(addr, capacity)
	return mem, windowsArenaPlatform{}, nil
}

func (windowsArenaPlatform) makeWritable(mem []byte) error {
	var old uint32
	addr := unsafePtrAsUintptr(mem)
	if err := windows.VirtualProtect(addr, uintptr(len(mem)), windows.PAGE_READWRITE, &old); err != nil {
		return fmt.Errorf("VirtualProtect writable: %w", err)
	}
	return nil
}

func (windowsArenaPlatform) makeExecutable(mem []byte) error {
	var old uint32
	addr := unsafePtrAsUintptr(mem)
	if err := windows.VirtualProtect(addr, uintptr(len(mem)), windows.PAGE_EXECUTE_READ, &old); err != nil {
		return fmt.Errorf("VirtualProtect executable: %w", err)
	}
	return nil
}

func (windowsArenaPlatform) close(mem []byte) error {
	addr := unsafePtrAsUintptr(mem)
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
