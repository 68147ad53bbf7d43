package tb

import "sort"

// Store is the Translation-Block Store of §4.C: a fixed-capacity pool of
// TB descriptors over a single Code Arena. Pool entries are appended in
// allocation order, and because Publish always follows Alloc for the same
// TB before the next Alloc runs (both happen under the cache lock), the
// pool stays sorted by TCPtr — which is exactly what FindByTC's binary
// search and invariant 3 (monotonic tc_ptr) require.
type Store struct {
	pool     []*TB
	capacity int
	arena    *Arena
}

// NewStore builds a store over the given arena with room for `capacity`
// live TB descriptors.
func NewStore(arena *Arena, capacity int) *Store {
	return &Store{capacity: capacity, arena: arena, pool: make([]*TB, 0, capacity)}
}

// Alloc returns a new, unpublished descriptor for a translation starting
// at guest pc, or (nil, false) if the pool is full or the arena has
// dropped below one reservation's worth of headroom (§4.C).
func (s *Store) Alloc(pc uint64) (*TB, bool) {
	if len(s.pool) >= s.capacity {
		return nil, false
	}
	if s.arena.Remaining() < 0 {
		return nil, false
	}
	tb := &TB{PC: pc, State: StateAllocated, jumpOffsets: [2]int{-1, -1}}
	s.pool = append(s.pool, tb)
	return tb, true
}

// Publish writes code into the arena and marks tb published. It returns
// false (leaving tb allocated but unpublished) if the arena could not fit
// code — the caller (Cache) must then flush and retry the whole dispatch
// step, per §4.C's "any generated host code is unreachable" note: nothing
// referencing tb has been handed out yet, so there is nothing to unwind.
func (s *Store) Publish(tb *TB, code []byte) bool {
	tcPtr, ok := s.arena.Publish(code)
	if !ok {
		return false
	}
	tb.TCPtr = tcPtr
	tb.TCLen = uint32(len(code))
	tb.State = StatePublished
	return true
}

// FindByTC binary-searches the live TB array for the TB whose TCPtr is the
// greatest value <= hostPC (§4.C, §8 property 8). It reports false if
// hostPC falls outside the arena entirely.
func (s *Store) FindByTC(hostPC uintptr) (*TB, bool) {
	if len(s.pool) == 0 || !s.arena.Contains(hostPC) {
		return nil, false
	}
	i := sort.Search(len(s.pool), func(i int) bool {
		return s.pool[i].TCPtr > hostPC
	})
	if i == 0 {
		return nil, false
	}
	return s.pool[i-1], true
}

// Flush clears the pool and rewinds the arena (§4.C: "After flush, any
// generated host code is unreachable; the dispatcher must not hold
// pointers into the arena across a flush without re-lookup.")
func (s *Store) Flush() {
	s.pool = s.pool[:0]
	s.arena.Reset()
}

// Len reports the number of live TBs, exposed for property tests and the
// cmd/tbcachectl status dump.
func (s *Store) Len() int { return len(s.pool) }
