package book

import "slices"

// Side identifies one side of a book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

// String returns the lowercase side name.
func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Worse is the scan direction toward worse prices on this side.
func (s Side) Worse() Direction {
	if s == Bid {
		return Down
	}
	return Up
}

// atLeastAsGood reports whether a is as good as or better than b on side s.
func atLeastAsGood[P Price[P]](s Side, a, b P) bool {
	if s == Bid {
		return !a.Less(b)
	}
	return !b.Less(a)
}

// Top tracks the best N occupied prices of one side, best first.
type Top[P Price[P]] struct {
	side   Side
	n      int
	tick   P
	prices []P
}

// NewTop returns an empty tracker with capacity n.
func NewTop[P Price[P]](side Side, n int, tick P) *Top[P] {
	return &Top[P]{side: side, n: n, tick: tick, prices: make([]P, 0, n+1)}
}

// Upsert inserts px if it belongs in the top N. Existing prices are left
// untouched.
func (t *Top[P]) Upsert(px P) {
	pos := len(t.prices)
	for i, p := range t.prices {
		if atLeastAsGood(t.side, px, p) {
			pos = i
			break
		}
	}
	if pos < len(t.prices) && t.prices[pos] == px {
		return
	}
	t.prices = slices.Insert(t.prices, pos, px)
	if len(t.prices) > t.n {
		t.prices = t.prices[:t.n]
	}
}

// Delete removes px. When the tracker was full, nextWorse is asked for the
// first occupied price beyond the previous worst entry to backfill.
func (t *Top[P]) Delete(px P, nextWorse func(P) (P, bool)) {
	pos := slices.Index(t.prices, px)
	if pos < 0 {
		return
	}
	worst := t.prices[len(t.prices)-1]
	t.prices = slices.Delete(t.prices, pos, pos+1)
	if len(t.prices) < t.n-1 {
		return
	}
	if next, ok := nextWorse(worst); ok {
		t.prices = append(t.prices, next.RoundToTick(t.tick))
	}
}

// Prices returns the tracked prices, best first. The slice is owned by
// the tracker and valid until the next update.
func (t *Top[P]) Prices() []P { return t.prices }

// Len returns the number of tracked prices.
func (t *Top[P]) Len() int { return len(t.prices) }

// Cap returns the tracker capacity N.
func (t *Top[P]) Cap() int { return t.n }

// Reset empties the tracker.
func (t *Top[P]) Reset() { t.prices = t.prices[:0] }
