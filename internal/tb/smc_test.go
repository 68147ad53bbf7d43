package tb

import "testing"

// TestInvalidatorStraddleRemovesFromBothPages is scenario S3: a TB at
// pc=0x0FFE size=6 straddles pages 0x0 and 0x1. Invalidating page 0x1
// alone must remove it from both page lists, the hash index, and the
// chain graph.
func TestInvalidatorStraddleRemovesFromBothPages(t *testing.T) {
	var hash HashIndex
	pages := NewPageTable(func(uint64) {})
	inv := NewInvalidator(pages, &hash)

	straddle := &TB{PC: 0x0FFE, Size: 6, numPages: 2, pageIndex: [2]uint64{0, 1}}
	pages.setFirstTB(0, straddle)
	pages.setFirstTB(1, straddle)
	hash.Insert(straddle)

	inv.InvalidatePage(1)

	if pages.firstTB(1) != nil {
		t.Fatalf("page 1's list not cleared")
	}
	if pages.firstTB(0) != nil {
		t.Fatalf("page 0 still lists the straddling TB")
	}
	if _, ok := hash.Lookup(0x0FFE, 0, 0); ok {
		t.Fatalf("straddling TB still found in hash index")
	}
	if !straddle.removed {
		t.Fatalf("straddling TB not marked removed")
	}
}

func TestInvalidatorDoesNotDoubleRemove(t *testing.T) {
	var hash HashIndex
	pages := NewPageTable(func(uint64) {})
	inv := NewInvalidator(pages, &hash)

	straddle := &TB{PC: 0x0FFE, Size: 6, numPages: 2, pageIndex: [2]uint64{0, 1}}
	pages.setFirstTB(0, straddle)
	pages.setFirstTB(1, straddle)
	hash.Insert(straddle)

	inv.InvalidatePage(0)
	inv.InvalidatePage(1) // must be a no-op on the already-removed TB

	if pages.firstTB(1) != nil {
		t.Fatalf("page 1's list not cleared")
	}
}

func TestInvalidatorDetachesChainEdges(t *testing.T) {
	var hash HashIndex
	pages := NewPageTable(func(uint64) {})
	inv := NewInvalidator(pages, &hash)

	a := &TB{PC: 0x1000, numPages: 1, pageIndex: [2]uint64{1}}
	b := &TB{PC: 0x2000, numPages: 1, pageIndex: [2]uint64{2}}
	pages.setFirstTB(1, a)
	pages.setFirstTB(2, b)
	Chain{}.Link(a, 0, b)

	inv.InvalidatePage(2)

	if a.outNext[0] != nil {
		t.Fatalf("predecessor edge into invalidated TB not detached")
	}
}
