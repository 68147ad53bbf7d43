//go:build linux

package tb

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type unixArenaPlatform struct{}

func newArenaPlatform(capacity int) ([]byte, arenaPlatform, error) {
	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap arena: %w", err)
	}
	return mem, unixArenaPlatform{}, nil
}

func (unixArenaPlatform) makeWritable(mem []byte) error {
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect arena writable: %w", err)
	}
	return nil
}

func (unixArenaPlatform) makeExecutable(mem []byte) error {
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect arena executable: %w", err)
	}
	return nil
}

func (unixArenaPlatform) close(mem []byte) error {
	return unix.Munmap(mem)
}
