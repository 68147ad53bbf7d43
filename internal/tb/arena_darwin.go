//go:build darwin

package tb

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// On Apple Silicon, a page mapped both writable and executable is
// rejected unless MAP_JIT is used together with the hardened-runtime
// pthread_jit_write_protect_np toggle, and the instruction cache must be
// explicitly invalidated after new code is written before it can be
// safely executed. Neither function is exposed by golang.org/x/sys/unix,
// so this file resolves them from libSystem via purego.Dlopen +
// purego.RegisterLibFunc, the same no-cgo dynamic-symbol pattern the
// teacher's own Hypervisor.framework bindings use.
var (
	darwinJITOnce             sync.Once
	pthreadJITWriteProtectNP  func(enabled int32)
	sysICacheInvalidate       func(start unsafe.Pointer, length uintptr)
	darwinJITSymbolsAvailable bool
)

func loadDarwinJITSymbols() {
	darwinJITOnce.Do(func() {
		lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			return
		}
		purego.RegisterLibFunc(&pthreadJITWriteProtectNP, lib, "pthread_jit_write_protect_np")
		purego.RegisterLibFunc(&sysICacheInvalidate, lib, "sys_icache_invalidate")
		darwinJITSymbolsAvailable = true
	})
}

type darwinArenaPlatform struct{}

func newArenaPlatform(capacity int) ([]byte, arenaPlatform, error) {
	loadDarwinJITSymbols()
	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap arena: %w", err)
	}
	return mem, darwinArenaPlatform{}, nil
}

func (darwinArenaPlatform) makeWritable(mem []byte) error {
	if darwinJITSymbolsAvailable {
		pthreadJITWriteProtectNP(0)
		return nil
	}
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE)
}

func (darwinArenaPlatform) makeExecutable(mem []byte) error {
	if darwinJITSymbolsAvailable {
		pthreadJITWriteProtectNP(1)
		sysICacheInvalidate(unsafePtr(mem), uintptr(len(mem)))
		return nil
	}
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect arena executable: %w", err)
	}
	return nil
}

func (darwinArenaPlatform) close(mem []byte) error {
	return unix.Munmap(mem)
}
