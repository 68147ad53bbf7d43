package tb

import "testing"

func TestHashIndexInsertLookupRemove(t *testing.T) {
	var h HashIndex
	a := &TB{PC: 0x1000, CSBase: 0, Flags: FlagCode32}
	b := &TB{PC: 0x1000, CSBase: 0, Flags: 0}
	h.Insert(a)
	h.Insert(b)

	if found, ok := h.Lookup(0x1000, 0, FlagCode32); !ok || found != a {
		t.Fatalf("Lookup did not tie-break on flags")
	}
	if found, ok := h.Lookup(0x1000, 0, 0); !ok || found != b {
		t.Fatalf("Lookup did not tie-break on flags (b)")
	}

	h.Remove(a)
	if _, ok := h.Lookup(0x1000, 0, FlagCode32); ok {
		t.Fatalf("a still found after Remove")
	}
	if _, ok := h.Lookup(0x1000, 0, 0); !ok {
		t.Fatalf("b missing after unrelated Remove")
	}
}

func TestHashIndexRemoveAbsentIsNoop(t *testing.T) {
	var h HashIndex
	a := &TB{PC: 0x1000}
	h.Remove(a) // never inserted
}

func TestHashIndexReset(t *testing.T) {
	var h HashIndex
	h.Insert(&TB{PC: 0x1000})
	h.Reset()
	if _, ok := h.Lookup(0x1000, 0, 0); ok {
		t.Fatalf("Lookup found entry after Reset")
	}
}
