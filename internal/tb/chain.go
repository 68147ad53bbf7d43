package tb

// Chain is the Block Chain Manager of §4.F. The original QEMU source
// tags a predecessor pointer and its slot index into the low two bits of
// the pointer itself; Go forbids that, so each edge is an explicit
// {owner *TB, slot int} record (inboundEdge in types.go) linked into a
// circular doubly-linked list per design notes' prescribed substitution.
// The O(1) link/unlink guarantees are unchanged.
type Chain struct{}

// Link retargets A's jump slot n to B: A.outNext[n] becomes B, and A is
// appended to B's inbound list tagged n (§4.F, §8 property 3). If slot n
// was already chained elsewhere, it is reset first.
func (Chain) Link(a *TB, n int, b *TB) {
	if a.outNext[n] != nil {
		Chain{}.Reset(a, n)
	}
	edge := &inboundEdge{owner: a, slot: n}
	if b.inbound == nil {
		edge.next, edge.prev = edge, edge
		b.inbound = edge
	} else {
		head := b.inbound
		edge.next = head
		edge.prev = head.prev
		head.prev.next = edge
		head.prev = edge
	}
	a.outNext[n] = b
	a.outEdge[n] = edge
	a.State = StateLive
}

// Reset retargets A's slot n back to the dispatcher re-entry stub,
// detaching A from whatever TB it currently targets.
func (Chain) Reset(a *TB, n int) {
	edge := a.outEdge[n]
	if edge == nil {
		return
	}
	b := a.outNext[n]
	if edge.next == edge {
		b.inbound = nil
	} else {
		edge.prev.next = edge.next
		edge.next.prev = edge.prev
		if b.inbound == edge {
			b.inbound = edge.next
		}
	}
	a.outNext[n] = nil
	a.outEdge[n] = nil
}

// ResetRecursive resets every slot of tb, then does the same to whatever
// each slot was targeting, and so on — an explicit work-list walk rather
// than true recursion, per design notes' "convert to explicit iteration
// ... to avoid host-stack overflow if the direct-jump graph is deep."
// This is what guarantees that an asynchronous interrupt delivered while
// tb is executing will bring control back to the dispatcher at the next
// chain point, for tb and everything it could reach by direct jump
// (§4.F, §5).
func ResetRecursive(tb *TB) {
	if tb == nil {
		return
	}
	visited := map[*TB]bool{tb: true}
	queue := []*TB{tb}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for n := 0; n < 2; n++ {
			target := cur.outNext[n]
			if target == nil {
				continue
			}
			Chain{}.Reset(cur, n)
			if !visited[target] {
				visited[target] = true
				queue = append(queue, target)
			}
		}
	}
}

// detachInbound removes every predecessor edge pointing at tb (used by
// the SMC invalidator when tb itself is being torn down): each
// predecessor's slot is reset back to the dispatcher stub.
func detachInbound(tb *TB) {
	for tb.inbound != nil {
		edge := tb.inbound
		Chain{}.Reset(edge.owner, edge.slot)
	}
}

// detachOutbound resets every slot tb itself owns, removing it from any
// successor's inbound list.
func detachOutbound(tb *TB) {
	for n := 0; n < 2; n++ {
		Chain{}.Reset(tb, n)
	}
}
