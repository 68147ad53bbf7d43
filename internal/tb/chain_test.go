package tb

import "testing"

// TestChainLinkAndResetRecursive is scenario S4: link A's slot 0 to B,
// check B.inbound tags A at slot 0, reset_recursive(A), and check the
// link is fully torn down both ways.
func TestChainLinkAndResetRecursive(t *testing.T) {
	a := &TB{PC: 0x2000, outEdge: [2]*inboundEdge{}}
	b := &TB{PC: 0x2020}

	Chain{}.Link(a, 0, b)

	if a.outNext[0] != b {
		t.Fatalf("A.outNext[0] != B after Link")
	}
	if b.inbound == nil || b.inbound.owner != a || b.inbound.slot != 0 {
		t.Fatalf("B.inbound does not tag A at slot 0")
	}

	ResetRecursive(a)

	if a.outNext[0] != nil {
		t.Fatalf("A.outNext[0] still set after ResetRecursive")
	}
	if b.inbound != nil {
		t.Fatalf("B.inbound not empty after ResetRecursive")
	}
}

func TestChainResetRecursiveFollowsMultipleHops(t *testing.T) {
	a := &TB{PC: 0x1000}
	b := &TB{PC: 0x1010}
	c := &TB{PC: 0x1020}
	Chain{}.Link(a, 0, b)
	Chain{}.Link(b, 0, c)

	ResetRecursive(a)

	if a.outNext[0] != nil || b.outNext[0] != nil {
		t.Fatalf("chain not fully unlinked")
	}
	if c.inbound != nil {
		t.Fatalf("C.inbound not cleared by multi-hop reset")
	}
}

func TestChainLinkRelinksExistingSlot(t *testing.T) {
	a := &TB{PC: 0x1000}
	b := &TB{PC: 0x1010}
	c := &TB{PC: 0x1020}
	Chain{}.Link(a, 0, b)
	Chain{}.Link(a, 0, c)

	if a.outNext[0] != c {
		t.Fatalf("re-Link did not retarget slot")
	}
	if b.inbound != nil {
		t.Fatalf("old target still has an inbound edge after re-Link")
	}
	if c.inbound == nil || c.inbound.owner != a {
		t.Fatalf("new target missing inbound edge after re-Link")
	}
}
