package book

import (
	"errors"
	"fmt"
)

// ErrNegativeAmount is the panic value (wrapped) raised when a delta would
// drive a level below zero. It means a missed gap or a broken feed.
var ErrNegativeAmount = errors.New("book: negative amount")

// SideBook is one side of an L2 book: a level store plus its top-N tracker.
// It is not safe for concurrent use.
type SideBook[P Price[P], A Amount[A, D], D any] struct {
	side  Side
	tick  P
	store LevelStore[P, A]
	top   *Top[P]
}

// NewSideBook composes store with a tracker of depth n.
func NewSideBook[P Price[P], A Amount[A, D], D any](side Side, tick P, n int, store LevelStore[P, A]) *SideBook[P, A, D] {
	return &SideBook[P, A, D]{
		side:  side,
		tick:  tick,
		store: store,
		top:   NewTop(side, n, tick),
	}
}

// Side returns which side this is.
func (b *SideBook[P, A, D]) Side() Side { return b.side }

// ApplySnapshot replaces the side with levels.
func (b *SideBook[P, A, D]) ApplySnapshot(levels []Level[P, A]) {
	b.store.Clear()
	b.top.Reset()
	b.ApplyAbsolute(levels)
}

// ApplyAbsolute sets the resting amount of each level.
func (b *SideBook[P, A, D]) ApplyAbsolute(levels []Level[P, A]) {
	for _, l := range levels {
		px := l.Price.RoundToTick(b.tick)
		ref := b.store.Ref(px)
		wasZero := (*ref).IsZero()
		*ref = l.Amount
		b.transition(px, wasZero, l.Amount.IsZero())
	}
}

// ApplyDeltas adjusts the resting amount of each level. It panics with an
// error wrapping ErrNegativeAmount if a level would go below zero.
func (b *SideBook[P, A, D]) ApplyDeltas(deltas []Delta[P, D]) {
	for _, d := range deltas {
		px := d.Price.RoundToTick(b.tick)
		ref := b.store.Ref(px)
		old := *ref
		amt, ok := old.Add(d.Delta)
		if !ok {
			panic(fmt.Errorf("%w: %s %v %+v", ErrNegativeAmount, b.side, px.Float64(), d.Delta))
		}
		*ref = amt
		b.transition(px, old.IsZero(), amt.IsZero())
	}
}

func (b *SideBook[P, A, D]) transition(px P, wasZero, isZero bool) {
	if isZero {
		b.store.Release(px)
	}
	switch {
	case wasZero && !isZero:
		b.top.Upsert(px)
	case !wasZero && isZero:
		b.top.Delete(px, b.nextWorse)
	}
}

func (b *SideBook[P, A, D]) nextWorse(px P) (P, bool) {
	l, ok := b.store.Next(px, b.side.Worse())
	return l.Price, ok
}

// Amount returns the resting amount at px.
func (b *SideBook[P, A, D]) Amount(px P) A {
	return b.store.Get(px.RoundToTick(b.tick))
}

// Best returns the best level, if any.
func (b *SideBook[P, A, D]) Best() (Level[P, A], bool) {
	prices := b.top.Prices()
	if len(prices) == 0 {
		return Level[P, A]{}, false
	}
	return Level[P, A]{Price: prices[0], Amount: b.store.Get(prices[0])}, true
}

// TopLevels returns up to n best levels, best first. The slice is shorter
// than n when fewer levels are occupied. Beyond the tracker capacity the
// store is walked level by level.
func (b *SideBook[P, A, D]) TopLevels(n int) []Level[P, A] {
	if n <= 0 {
		return nil
	}
	prices := b.top.Prices()
	out := make([]Level[P, A], 0, min(n, len(prices)))
	for _, px := range prices {
		if len(out) == n {
			return out
		}
		out = append(out, Level[P, A]{Price: px, Amount: b.store.Get(px)})
	}
	if len(out) < n && len(prices) == b.top.Cap() && len(prices) > 0 {
		px := prices[len(prices)-1]
		for len(out) < n {
			l, ok := b.store.Next(px, b.side.Worse())
			if !ok {
				break
			}
			out = append(out, l)
			px = l.Price
		}
	}
	return out
}

// Tracked returns the tracker's prices, best first, without copying.
func (b *SideBook[P, A, D]) Tracked() []P { return b.top.Prices() }

// Depth returns the tracker capacity.
func (b *SideBook[P, A, D]) Depth() int { return b.top.Cap() }

// StoreKind selects the LevelStore implementation of a Book.
type StoreKind uint8

const (
	StoreDense StoreKind = iota
	StorePooled
)

// Config configures a Book.
type Config[P Price[P]] struct {
	Tick  P
	Depth int
	Store StoreKind

	// Start anchors the dense store indexers. Ignored by the pooled store.
	// When HasStart is false the floor is taken from the first price seen.
	Start    P
	HasStart bool
}

// Book is a two-sided L2 book.
type Book[P Price[P], A Amount[A, D], D any] struct {
	bids *SideBook[P, A, D]
	asks *SideBook[P, A, D]
	last uint64
}

// New returns an empty book.
func New[P Price[P], A Amount[A, D], D any](cfg Config[P]) *Book[P, A, D] {
	return &Book[P, A, D]{
		bids: NewSideBook[P, A, D](Bid, cfg.Tick, cfg.Depth, newStore[P, A](cfg)),
		asks: NewSideBook[P, A, D](Ask, cfg.Tick, cfg.Depth, newStore[P, A](cfg)),
	}
}

func newStore[P Price[P], A Sized](cfg Config[P]) LevelStore[P, A] {
	if cfg.Store == StorePooled {
		return NewPooledLevels[P, A]()
	}
	if cfg.HasStart {
		return NewDenseLevels[P, A](NewIndexer(cfg.Start, cfg.Tick))
	}
	return NewDenseLevels[P, A](NewLazyIndexer(cfg.Tick))
}

// Bids returns the bid side.
func (b *Book[P, A, D]) Bids() *SideBook[P, A, D] { return b.bids }

// Asks returns the ask side.
func (b *Book[P, A, D]) Asks() *SideBook[P, A, D] { return b.asks }

// LastUpdateID returns the id of the last applied snapshot or diff.
func (b *Book[P, A, D]) LastUpdateID() uint64 { return b.last }

// ApplySnapshot replaces both sides.
func (b *Book[P, A, D]) ApplySnapshot(s Snapshot[P, A]) {
	b.bids.ApplySnapshot(s.Bids)
	b.asks.ApplySnapshot(s.Asks)
	b.last = s.LastUpdateID
}

// ApplyDiff applies absolute levels first, then signed deltas.
func (b *Book[P, A, D]) ApplyDiff(d Diff[P, A, D]) {
	b.bids.ApplyAbsolute(d.Bids)
	b.asks.ApplyAbsolute(d.Asks)
	b.bids.ApplyDeltas(d.BidDeltas)
	b.asks.ApplyDeltas(d.AskDeltas)
	if d.LastUpdateID != 0 {
		b.last = d.LastUpdateID
	}
}

// Side returns the side book for s.
func (b *Book[P, A, D]) Side(s Side) *SideBook[P, A, D] {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Crossed reports whether the best bid is at or above the best ask.
func (b *Book[P, A, D]) Crossed() bool {
	bid, ok := b.bids.Best()
	if !ok {
		return false
	}
	ask, ok := b.asks.Best()
	if !ok {
		return false
	}
	return !bid.Price.Less(ask.Price)
}
