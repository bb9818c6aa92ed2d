package searcher

// Visited tracks which graph slots a search has touched. Marks land in
// a bitset; a dirty list makes Reset proportional to the number of
// visited slots instead of the graph size.
type Visited struct {
	bits  []uint64
	dirty []uint32
}

// NewVisited creates a tracker sized for capacity slots.
func NewVisited(capacity int) *Visited {
	return &Visited{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks slot as visited.
func (v *Visited) Visit(slot uint32) {
	word := int(slot >> 6)
	mask := uint64(1) << (slot & 63)
	if word >= len(v.bits) {
		v.grow(word + 1)
	}
	if v.bits[word]&mask == 0 {
		v.bits[word] |= mask
		v.dirty = append(v.dirty, slot)
	}
}

// Has reports whether slot has been visited.
func (v *Visited) Has(slot uint32) bool {
	word := int(slot >> 6)
	if word >= len(v.bits) {
		return false
	}
	return v.bits[word]&(uint64(1)<<(slot&63)) != 0
}

// Reset clears all marks from the current search.
func (v *Visited) Reset() {
	for _, slot := range v.dirty {
		v.bits[slot>>6] &^= uint64(1) << (slot & 63)
	}
	v.dirty = v.dirty[:0]
}

func (v *Visited) grow(words int) {
	grown := make([]uint64, max(2*len(v.bits), words))
	copy(grown, v.bits)
	v.bits = grown
}
