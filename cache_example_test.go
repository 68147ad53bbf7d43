package tbvm_test

import (
	"fmt"
	"testing"

	"github.com/tinyrange/tbvm"
	"github.com/tinyrange/tbvm/internal/config"
	"github.com/tinyrange/tbvm/internal/gen/testgen"
)

func newTestVM(t *testing.T, prog testgen.Program) *tbvm.VM {
	t.Helper()
	cfg := config.Default()
	cfg.GuestMem.SizeBytes = 0x4000

	vm, err := tbvm.New(cfg, &testgen.Generator{Prog: prog})
	if err != nil {
		t.Skipf("VM not available in this environment: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	vm.SetPageFlags(0, uint64(cfg.GuestMem.SizeBytes), tbvm.PageRead|tbvm.PageWrite|tbvm.PageExec)
	return vm
}

// ExampleVM demonstrates the public facade's basic hit/miss shape (§8
// scenario S1): the first Step at a given pc misses and generates; a
// second, independent Step at the same pc hits the cached translation
// instead of growing the cache.
func ExampleVM() {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpNop, Len: 4},
	}
	cfg := config.Default()
	cfg.GuestMem.SizeBytes = 0x4000

	vm, err := tbvm.New(cfg, &testgen.Generator{Prog: prog})
	if err != nil {
		return
	}
	defer vm.Close()
	vm.SetPageFlags(0, uint64(cfg.GuestMem.SizeBytes), tbvm.PageRead|tbvm.PageExec)

	vm.Step(&tbvm.CPUState{PC: 0x1000})
	fmt.Println(vm.Len())

	vm.Step(&tbvm.CPUState{PC: 0x1000})
	fmt.Println(vm.Len())

	// Output:
	// 1
	// 1
}

func TestVMCheckInvariants(t *testing.T) {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpNop, Len: 4},
		0x2000: {Op: testgen.OpJump, Len: 4, Target: 0x1000},
	}
	vm := newTestVM(t, prog)

	vm.Step(&tbvm.CPUState{PC: 0x1000})
	vm.Step(&tbvm.CPUState{PC: 0x2000})

	if err := vm.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestVMFlush(t *testing.T) {
	prog := testgen.Program{
		0x1000: {Op: testgen.OpNop, Len: 4},
	}
	vm := newTestVM(t, prog)

	vm.Step(&tbvm.CPUState{PC: 0x1000})
	if vm.Len() == 0 {
		t.Fatalf("expected at least one TB before Flush")
	}

	vm.Flush()
	if vm.Len() != 0 {
		t.Fatalf("Len after Flush = %d, want 0", vm.Len())
	}
}
