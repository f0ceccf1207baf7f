package book

import "github.com/tidwall/btree"

type poolEntry[P Price[P]] struct {
	px   P
	slot int
}

// PooledLevels is a LevelStore that keeps amounts in a slot pool and the
// occupied prices in an ordered B-tree. Zeroed levels give their slot back
// to the pool, so memory tracks the number of live levels rather than the
// price range. Use it for wide books or many instruments.
type PooledLevels[P Price[P], A Sized] struct {
	amounts []A
	free    []int
	index   *btree.BTreeG[poolEntry[P]]
}

// NewPooledLevels returns an empty pooled store.
func NewPooledLevels[P Price[P], A Sized]() *PooledLevels[P, A] {
	less := func(a, b poolEntry[P]) bool { return a.px.Less(b.px) }
	return &PooledLevels[P, A]{
		index: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
	}
}

func (s *PooledLevels[P, A]) Get(px P) A {
	var zero A
	e, ok := s.index.Get(poolEntry[P]{px: px})
	if !ok {
		return zero
	}
	return s.amounts[e.slot]
}

func (s *PooledLevels[P, A]) Ref(px P) *A {
	if e, ok := s.index.Get(poolEntry[P]{px: px}); ok {
		return &s.amounts[e.slot]
	}
	var zero A
	var slot int
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
		s.amounts[slot] = zero
	} else {
		slot = len(s.amounts)
		s.amounts = append(s.amounts, zero)
	}
	s.index.Set(poolEntry[P]{px: px, slot: slot})
	return &s.amounts[slot]
}

// Release frees the slot at px if its amount is zero.
func (s *PooledLevels[P, A]) Release(px P) {
	e, ok := s.index.Get(poolEntry[P]{px: px})
	if !ok || !s.amounts[e.slot].IsZero() {
		return
	}
	s.index.Delete(e)
	s.free = append(s.free, e.slot)
}

func (s *PooledLevels[P, A]) Next(px P, dir Direction) (Level[P, A], bool) {
	var (
		out   Level[P, A]
		found bool
	)
	visit := func(e poolEntry[P]) bool {
		if e.px == px || s.amounts[e.slot].IsZero() {
			return true
		}
		out = Level[P, A]{Price: e.px, Amount: s.amounts[e.slot]}
		found = true
		return false
	}
	pivot := poolEntry[P]{px: px}
	if dir == Down {
		s.index.Descend(pivot, visit)
	} else {
		s.index.Ascend(pivot, visit)
	}
	return out, found
}

func (s *PooledLevels[P, A]) Clear() {
	s.index.Clear()
	clear(s.amounts)
	s.amounts = s.amounts[:0]
	s.free = s.free[:0]
}

// Len returns the number of live levels.
func (s *PooledLevels[P, A]) Len() int { return s.index.Len() }
