package state

// Ring is an ordered, capped set of processed event keys: insertion
// evicts the oldest once cap is reached, with O(1) containment via a
// parallel map. A slice+map is the established idiom here for small
// bounded caches (see internal/channels dedup helpers); container/ring
// is a doubly-linked structure that is awkward for this shape, so this
// is hand-rolled per that same convention rather than reached for.
type Ring struct {
	cap   int
	order []string
	set   map[string]bool
}

func NewRing(cap int) *Ring {
	if cap < 1 {
		cap = 1
	}
	return &Ring{cap: cap, set: make(map[string]bool, cap)}
}

// Contains reports whether key has been inserted and not yet evicted.
func (r *Ring) Contains(key string) bool {
	return r.set[key]
}

// Insert adds key, evicting the oldest entry if at capacity. Re-
// inserting an already-present key is a no-op (it keeps its original
// position rather than being bumped to the back).
func (r *Ring) Insert(key string) {
	if r.set[key] {
		return
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.order = append(r.order, key)
	r.set[key] = true
}

// Keys returns the ring's contents in insertion order, for
// serialization into Document.ProcessedKeys.
func (r *Ring) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// LoadKeys rehydrates the ring from a persisted key list (oldest
// first), truncating to cap if the persisted list exceeds it.
func (r *Ring) LoadKeys(keys []string) {
	r.order = nil
	r.set = make(map[string]bool, r.cap)
	start := 0
	if len(keys) > r.cap {
		start = len(keys) - r.cap
	}
	for _, k := range keys[start:] {
		r.order = append(r.order, k)
		r.set[k] = true
	}
}
