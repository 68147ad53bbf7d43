//go:build !windows

package tb

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type unixGuestMemPlatform struct{}

func newGuestMemPlatform(size int) ([]byte, guestMemPlatform, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	return mem, unixGuestMemPlatform{}, nil
}

func (unixGuestMemPlatform) protect(mem []byte, writable bool) error {
	if len(mem) == 0 {
		return nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(mem, prot); err != nil {
		return fmt.Errorf("mprotect guest memory: %w", err)
	}
	return nil
}

func (unixGuestMemPlatform) close(mem []byte) error {
	return unix.Munmap(mem)
}
