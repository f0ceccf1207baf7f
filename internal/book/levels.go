package book

// Direction orients a scan over price levels.
type Direction int8

const (
	Down Direction = -1 // toward lower prices
	Up   Direction = 1  // toward higher prices
)

// Sized is what a level store needs from an amount.
type Sized interface {
	IsZero() bool
}

// LevelStore holds the aggregate amount per price of one book side.
// Implementations are single-owner and not safe for concurrent use.
type LevelStore[P Price[P], A Sized] interface {
	// Get returns the amount at px, or the zero amount if px is unknown.
	// It never mutates the store.
	Get(px P) A

	// Ref returns a pointer to the amount at px, creating the level if
	// needed. The pointer is valid until the next call to Ref or Clear.
	Ref(px P) *A

	// Release is called once the amount at px has been set to zero.
	Release(px P)

	// Next returns the first non-zero level strictly past px in dir.
	Next(px P, dir Direction) (Level[P, A], bool)

	// Clear removes every level.
	Clear()
}

// DenseLevels is an array-backed LevelStore with one slot per tick above
// the indexer floor. Memory scales with the traded price range.
type DenseLevels[P Price[P], A Sized] struct {
	ix     *Indexer[P]
	levels []A
}

// NewDenseLevels returns an empty dense store over ix.
func NewDenseLevels[P Price[P], A Sized](ix *Indexer[P]) *DenseLevels[P, A] {
	return &DenseLevels[P, A]{ix: ix}
}

func (s *DenseLevels[P, A]) Get(px P) A {
	var zero A
	slot, ok := s.ix.TryHash(px)
	if !ok || slot >= len(s.levels) {
		return zero
	}
	return s.levels[slot]
}

func (s *DenseLevels[P, A]) Ref(px P) *A {
	slot, shift := s.ix.Hash(px)
	if shift > 0 && len(s.levels) > 0 {
		grown := make([]A, len(s.levels)+shift, cap(s.levels)+shift)
		copy(grown[shift:], s.levels)
		s.levels = grown
	}
	if slot >= len(s.levels) {
		s.levels = append(s.levels, make([]A, slot+1-len(s.levels))...)
	}
	return &s.levels[slot]
}

// Release is a no-op: dense slots are retained once allocated.
func (s *DenseLevels[P, A]) Release(P) {}

func (s *DenseLevels[P, A]) Next(px P, dir Direction) (Level[P, A], bool) {
	slot, ok := s.ix.TryHash(px)
	switch dir {
	case Down:
		if !ok {
			return Level[P, A]{}, false
		}
		start := slot - 1
		if start >= len(s.levels) {
			start = len(s.levels) - 1
		}
		for i := start; i >= 0; i-- {
			if !s.levels[i].IsZero() {
				return Level[P, A]{Price: s.ix.Price(i), Amount: s.levels[i]}, true
			}
		}
	case Up:
		start := 0
		if ok {
			start = slot + 1
		}
		for i := start; i < len(s.levels); i++ {
			if !s.levels[i].IsZero() {
				return Level[P, A]{Price: s.ix.Price(i), Amount: s.levels[i]}, true
			}
		}
	}
	return Level[P, A]{}, false
}

// Clear zeroes the store but keeps the indexer floor and capacity.
func (s *DenseLevels[P, A]) Clear() {
	clear(s.levels)
	s.levels = s.levels[:0]
}

// Len returns the number of allocated slots.
func (s *DenseLevels[P, A]) Len() int { return len(s.levels) }
