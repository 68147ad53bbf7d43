package tb

import "hash/fnv"

// hashBuckets is the fixed size of the open bucket array; a cache
// artifact only, per §3 (deletion uses hash_next, not bucket rebuilds).
const hashBuckets = 1 << 12

// HashIndex maps (pc, csBase, flags) to a cached TB (§4.D). Each bucket is
// a singly-linked list threaded through TB.hashNext; insertion is
// head-of-bucket.
type HashIndex struct {
	buckets [hashBuckets]*TB
}

func hashKey(pc, csBase uint64, flags Flags) uint32 {
	h := fnv.New64a()
	var buf [20]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(pc >> (8 * i))
		buf[8+i] = byte(csBase >> (8 * i))
	}
	buf[16] = byte(flags)
	buf[17] = byte(flags >> 8)
	buf[18] = byte(flags >> 16)
	buf[19] = byte(flags >> 24)
	_, _ = h.Write(buf[:])
	return uint32(h.Sum64()) & (hashBuckets - 1)
}

// Lookup finds the TB matching (pc, csBase, flags) exactly, tie-breaking
// on all three fields as §4.D requires.
func (h *HashIndex) Lookup(pc, csBase uint64, flags Flags) (*TB, bool) {
	for tb := h.buckets[hashKey(pc, csBase, flags)]; tb != nil; tb = tb.hashNext {
		if tb.PC == pc && tb.CSBase == csBase && tb.Flags == flags {
			return tb, true
		}
	}
	return nil, false
}

// Insert adds tb to the head of its bucket.
func (h *HashIndex) Insert(tb *TB) {
	k := hashKey(tb.PC, tb.CSBase, tb.Flags)
	tb.hashNext = h.buckets[k]
	h.buckets[k] = tb
}

// Remove unlinks tb from its bucket. It is a no-op if tb is not present,
// which can legitimately happen if SMC invalidation has already removed
// it (see smc.go's removed guard).
func (h *HashIndex) Remove(tb *TB) {
	k := hashKey(tb.PC, tb.CSBase, tb.Flags)
	pp := &h.buckets[k]
	for cur := *pp; cur != nil; cur = *pp {
		if cur == tb {
			*pp = cur.hashNext
			cur.hashNext = nil
			return
		}
		pp = &cur.hashNext
	}
}

// Reset clears every bucket (§4.C flush).
func (h *HashIndex) Reset() {
	for i := range h.buckets {
		h.buckets[i] = nil
	}
}
