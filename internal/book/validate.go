package book

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Check.
var (
	ErrTopOverflow   = errors.New("book: top tracker exceeds depth")
	ErrTopUnordered  = errors.New("book: top tracker not strictly ordered")
	ErrTopDesync     = errors.New("book: tracked price has zero amount")
	ErrTopIncomplete = errors.New("book: occupied level missing from top tracker")
	ErrCrossedBook   = errors.New("book: best bid at or above best ask")
)

// Check verifies the tracker/store invariants of both sides and that the
// book is not crossed. It walks the stores and is meant for tests and
// diagnostics, not for the hot path.
func Check[P Price[P], A Amount[A, D], D any](b *Book[P, A, D]) error {
	if err := checkSide(b.bids); err != nil {
		return err
	}
	if err := checkSide(b.asks); err != nil {
		return err
	}
	if b.Crossed() {
		return ErrCrossedBook
	}
	return nil
}

func checkSide[P Price[P], A Amount[A, D], D any](b *SideBook[P, A, D]) error {
	prices := b.top.Prices()
	if len(prices) > b.top.Cap() {
		return fmt.Errorf("%w: %s has %d of %d", ErrTopOverflow, b.side, len(prices), b.top.Cap())
	}

	worse := b.side.Worse()
	better := -worse

	if len(prices) == 0 {
		var zero P
		_, up := b.store.Next(zero, Up)
		_, down := b.store.Next(zero, Down)
		if up || down {
			return fmt.Errorf("%w: %s tracker empty", ErrTopIncomplete, b.side)
		}
		return nil
	}

	if l, ok := b.store.Next(prices[0], better); ok {
		return fmt.Errorf("%w: %s %v better than best", ErrTopIncomplete, b.side, l.Price.Float64())
	}
	for i, px := range prices {
		if b.store.Get(px).IsZero() {
			return fmt.Errorf("%w: %s %v", ErrTopDesync, b.side, px.Float64())
		}
		if i > 0 && (prices[i-1] == px || !atLeastAsGood(b.side, prices[i-1], px)) {
			return fmt.Errorf("%w: %s at %d", ErrTopUnordered, b.side, i)
		}
		next, ok := b.store.Next(px, worse)
		switch {
		case i+1 < len(prices):
			if !ok || next.Price != prices[i+1] {
				return fmt.Errorf("%w: %s after %v", ErrTopIncomplete, b.side, px.Float64())
			}
		case len(prices) < b.top.Cap() && ok:
			return fmt.Errorf("%w: %s %v not tracked", ErrTopIncomplete, b.side, next.Price.Float64())
		}
	}
	return nil
}
