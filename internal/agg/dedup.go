package agg

// seenSet remembers the most recent sequence identifiers observed on a
// stream so that redelivery after a reconnect does not double-count.
// Bounded: once capacity is reached the oldest entry is evicted.
type seenSet struct {
	capacity int
	ring     []string
	index    map[string]struct{}
	next     int
}

const defaultDedupCapacity = 4096

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &seenSet{
		capacity: capacity,
		ring:     make([]string, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

// Observe records an identifier and reports whether it was seen for the
// first time. Empty identifiers are never tracked and always count as
// fresh.
func (s *seenSet) Observe(id string) bool {
	if id == "" {
		return true
	}
	if _, dup := s.index[id]; dup {
		return false
	}
	if evicted := s.ring[s.next]; evicted != "" {
		delete(s.index, evicted)
	}
	s.ring[s.next] = id
	s.index[id] = struct{}{}
	s.next = (s.next + 1) % s.capacity
	return true
}

// Len reports how many identifiers are currently retained.
func (s *seenSet) Len() int {
	return len(s.index)
}
