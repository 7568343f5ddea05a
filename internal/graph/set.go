package graph

import "math/bits"

// Set is a growable bitset of node ids. A nil *Set behaves as an empty set for reads.
type Set struct {
	words []uint64
	count int
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{}
}

// Add inserts id and reports whether it was newly added.
func (s *Set) Add(id NodeID) bool {
	w, b := int(id)/64, uint(id)%64
	for len(s.words) <= w {
		s.words = append(s.words, 0)
	}
	if s.words[w]&(1<<b) != 0 {
		return false
	}
	s.words[w] |= 1 << b
	s.count++
	return true
}

// Has reports whether id is in the set.
func (s *Set) Has(id NodeID) bool {
	if s == nil {
		return false
	}
	w, b := int(id)/64, uint(id)%64
	if w >= len(s.words) {
		return false
	}
	return s.words[w]&(1<<b) != 0
}

// Len returns the number of members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return s.count
}

// Intersect returns a new set holding ids present in both sets.
func (s *Set) Intersect(other *Set) *Set {
	out := NewSet()
	if s == nil || other == nil {
		return out
	}
	n := len(s.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	out.words = make([]uint64, n)
	for i := 0; i < n; i++ {
		out.words[i] = s.words[i] & other.words[i]
		out.count += bits.OnesCount64(out.words[i])
	}
	return out
}

// ForEach calls fn for every member in ascending id order.
func (s *Set) ForEach(fn func(NodeID)) {
	if s == nil {
		return
	}
	for w, word := range s.words {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			fn(NodeID(w*64 + b))
			word &^= 1 << uint(b)
		}
	}
}
