// Package orders folds order-level feeds (ITCH, SIMBA) into L2 books. It
// keeps only what is needed to turn an order event into a level delta: the
// instrument, side, price and remaining size of every resting order.
package orders

import (
	"errors"
	"fmt"

	"github.com/caesar-terminal/depth/internal/book"
)

var (
	ErrUnknownOrder   = errors.New("orders: unknown order reference")
	ErrDuplicateOrder = errors.New("orders: duplicate order reference")
	ErrOverfill       = errors.New("orders: reduction exceeds resting size")
	ErrBadSize        = errors.New("orders: size must be positive")
)

type order[P book.Price[P]] struct {
	instrument uint32
	side       book.Side
	price      P
	size       int64
}

// Config sizes a Builder.
type Config[P book.Price[P]] struct {
	// Instruments bounds the instrument index (ITCH stock locate, or a
	// dense index assigned per SIMBA security).
	Instruments uint32
	Tick        P
	Depth       int
}

// Builder tracks resting orders and applies each change to its
// instrument's book as a level delta. It is not safe for concurrent use.
type Builder[P book.Price[P]] struct {
	orders  map[uint64]order[P]
	books   *book.Arena[book.Book[P, book.Lots, int64]]
	seq     uint64
	scratch [1]book.Delta[P, int64]
}

// NewBuilder returns an empty builder. Books are created on first
// reference with a pooled level store, since order feeds span wide price
// ranges across many instruments.
func NewBuilder[P book.Price[P]](cfg Config[P]) *Builder[P] {
	return &Builder[P]{
		orders: make(map[uint64]order[P]),
		books: book.NewArena(cfg.Instruments, func(uint32) *book.Book[P, book.Lots, int64] {
			return book.New[P, book.Lots, int64](book.Config[P]{
				Tick:  cfg.Tick,
				Depth: cfg.Depth,
				Store: book.StorePooled,
			})
		}),
	}
}

// SetSequence stamps subsequent book changes with seq as their update id.
func (b *Builder[P]) SetSequence(seq uint64) { b.seq = seq }

// Add rests a new order.
func (b *Builder[P]) Add(instrument uint32, ref uint64, side book.Side, px P, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: add %d size %d", ErrBadSize, ref, size)
	}
	if _, ok := b.orders[ref]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, ref)
	}
	bk, err := b.books.Get(instrument)
	if err != nil {
		return err
	}
	b.orders[ref] = order[P]{instrument: instrument, side: side, price: px, size: size}
	b.apply(bk, side, px, size)
	return nil
}

// Reduce takes size off a resting order (partial execution or cancel). An
// order reduced to zero is removed.
func (b *Builder[P]) Reduce(ref uint64, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: reduce %d size %d", ErrBadSize, ref, size)
	}
	o, ok := b.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, ref)
	}
	if size > o.size {
		return fmt.Errorf("%w: %d has %d, reduce by %d", ErrOverfill, ref, o.size, size)
	}
	o.size -= size
	if o.size == 0 {
		delete(b.orders, ref)
	} else {
		b.orders[ref] = o
	}
	b.applyTo(o.instrument, o.side, o.price, -size)
	return nil
}

// Delete removes a resting order entirely.
func (b *Builder[P]) Delete(ref uint64) error {
	o, ok := b.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, ref)
	}
	delete(b.orders, ref)
	b.applyTo(o.instrument, o.side, o.price, -o.size)
	return nil
}

// Replace cancels oldRef and rests newRef on the same instrument and side
// with a new price and size.
func (b *Builder[P]) Replace(oldRef, newRef uint64, px P, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: replace %d size %d", ErrBadSize, oldRef, size)
	}
	o, ok := b.orders[oldRef]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, oldRef)
	}
	if _, dup := b.orders[newRef]; dup && newRef != oldRef {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, newRef)
	}
	delete(b.orders, oldRef)
	b.applyTo(o.instrument, o.side, o.price, -o.size)

	b.orders[newRef] = order[P]{instrument: o.instrument, side: o.side, price: px, size: size}
	b.applyTo(o.instrument, o.side, px, size)
	return nil
}

// Modify changes the price and size of ref in place, keeping its
// reference. A size of zero removes the order.
func (b *Builder[P]) Modify(ref uint64, px P, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: modify %d size %d", ErrBadSize, ref, size)
	}
	if size == 0 {
		return b.Delete(ref)
	}
	return b.Replace(ref, ref, px, size)
}

// Reset drops every order of instrument and clears its book. Used before
// replaying a venue snapshot.
func (b *Builder[P]) Reset(instrument uint32) error {
	bk, err := b.books.Get(instrument)
	if err != nil {
		return err
	}
	for ref, o := range b.orders {
		if o.instrument == instrument {
			delete(b.orders, ref)
		}
	}
	bk.ApplySnapshot(book.Snapshot[P, book.Lots]{LastUpdateID: b.seq})
	return nil
}

// Book returns the book of instrument, if it has seen any order.
func (b *Builder[P]) Book(instrument uint32) (*book.Book[P, book.Lots, int64], bool) {
	return b.books.Lookup(instrument)
}

// Each visits every populated book in instrument order.
func (b *Builder[P]) Each(fn func(instrument uint32, bk *book.Book[P, book.Lots, int64]) bool) {
	b.books.Each(fn)
}

// Resting returns the remaining size of ref.
func (b *Builder[P]) Resting(ref uint64) (int64, bool) {
	o, ok := b.orders[ref]
	return o.size, ok
}

// Len returns the number of resting orders.
func (b *Builder[P]) Len() int { return len(b.orders) }

func (b *Builder[P]) applyTo(instrument uint32, side book.Side, px P, delta int64) {
	// Orders only exist for instruments already admitted by Add.
	bk, _ := b.books.Lookup(instrument)
	b.apply(bk, side, px, delta)
}

func (b *Builder[P]) apply(bk *book.Book[P, book.Lots, int64], side book.Side, px P, delta int64) {
	b.scratch[0] = book.Delta[P, int64]{Price: px, Delta: delta}
	d := book.Diff[P, book.Lots, int64]{FirstUpdateID: b.seq, LastUpdateID: b.seq}
	if side == book.Bid {
		d.BidDeltas = b.scratch[:]
	} else {
		d.AskDeltas = b.scratch[:]
	}
	bk.ApplyDiff(d)
}
