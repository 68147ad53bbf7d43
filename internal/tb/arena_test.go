package tb

import "testing"

func checkArenaAvailable(t testing.TB) *Arena {
	t.Helper()
	a, err := NewArena(4096, 256)
	if err != nil {
		t.Skipf("code arena not available in this environment: %v", err)
	}
	return a
}

func TestArenaPublishAdvancesMonotonically(t *testing.T) {
	a := checkArenaAvailable(t)
	defer a.Close()

	p1, ok := a.Publish([]byte{0xc3})
	if !ok {
		t.Fatalf("Publish 1 failed")
	}
	p2, ok := a.Publish([]byte{0xc3, 0xc3})
	if !ok {
		t.Fatalf("Publish 2 failed")
	}
	if p2 <= p1 {
		t.Fatalf("tc_ptr not monotonic: p1=0x%x p2=0x%x", p1, p2)
	}
	if !a.Contains(p1) || !a.Contains(p2) {
		t.Fatalf("published addresses not inside arena bounds")
	}
}

func TestArenaReserveBlocksExhaustion(t *testing.T) {
	a := checkArenaAvailable(t)
	defer a.Close()

	big := make([]byte, a.Remaining()+1)
	if _, ok := a.Publish(big); ok {
		t.Fatalf("Publish of Remaining()+1 bytes should fail (it would cross into the reserve)")
	}
}

func TestArenaResetRewindsGenPtr(t *testing.T) {
	a := checkArenaAvailable(t)
	defer a.Close()

	before := a.Remaining()
	if _, ok := a.Publish([]byte{0xc3, 0xc3, 0xc3, 0xc3}); !ok {
		t.Fatalf("Publish failed")
	}
	if a.Remaining() >= before {
		t.Fatalf("Remaining did not shrink after Publish")
	}
	a.Reset()
	if a.Remaining() != before {
		t.Fatalf("Remaining after Reset = %d, want %d", a.Remaining(), before)
	}
}
