package book

// GrowthFactor is the fraction of the offending price by which the floor
// is lowered when a price below it is indexed.
const GrowthFactor = 0.1

// Indexer maps tick-quantized prices to dense slots relative to a movable
// floor. Slots only ever move right: when the floor drops, every slot
// previously handed out shifts by the returned amount.
type Indexer[P Price[P]] struct {
	tick     P
	floor    int64
	anchored bool
}

// NewIndexer returns an indexer whose floor is anchored at start.
func NewIndexer[P Price[P]](start, tick P) *Indexer[P] {
	return &Indexer[P]{
		tick:     tick,
		floor:    start.RoundToTick(tick).TickIndex(tick),
		anchored: true,
	}
}

// NewLazyIndexer returns an indexer that anchors its floor on the first
// hashed price.
func NewLazyIndexer[P Price[P]](tick P) *Indexer[P] {
	return &Indexer[P]{tick: tick}
}

// Tick returns the tick size.
func (ix *Indexer[P]) Tick() P { return ix.tick }

// Floor returns the price at slot zero.
func (ix *Indexer[P]) Floor() P { return ix.tick.Ticks(ix.floor) }

// Hash returns the slot for px and the number of positions existing slots
// must be shifted right before the slot is used.
func (ix *Indexer[P]) Hash(px P) (slot, shift int) {
	idx := px.TickIndex(ix.tick)
	if !ix.anchored {
		ix.floor = ix.grownFloor(px, idx)
		ix.anchored = true
	}
	if idx >= ix.floor {
		return int(idx - ix.floor), 0
	}

	floor := ix.grownFloor(px, idx)
	shift = int(ix.floor - floor)
	ix.floor = floor
	return int(idx - floor), shift
}

// TryHash returns the slot for px without growing.
func (ix *Indexer[P]) TryHash(px P) (int, bool) {
	if !ix.anchored {
		return 0, false
	}
	idx := px.TickIndex(ix.tick)
	if idx < ix.floor {
		return 0, false
	}
	return int(idx - ix.floor), true
}

// Price is the inverse of Hash for any slot still in range.
func (ix *Indexer[P]) Price(slot int) P {
	return ix.tick.Ticks(int64(slot) + ix.floor)
}

func (ix *Indexer[P]) grownFloor(px P, idx int64) int64 {
	floor := px.Scale(1 - GrowthFactor).RoundToTick(ix.tick).TickIndex(ix.tick)
	// Non-positive prices scale upward; never place the floor above px.
	if floor > idx {
		floor = idx
	}
	return floor
}
