package book

// Snapshot is a full book tagged with the update id it reflects.
type Snapshot[P any, A any] struct {
	LastUpdateID uint64
	Bids         []Level[P, A]
	Asks         []Level[P, A]
}

// SnapshotID returns the update id the snapshot reflects.
func (s Snapshot[P, A]) SnapshotID() uint64 { return s.LastUpdateID }

// Diff is an incremental update covering [FirstUpdateID, LastUpdateID].
// Venues report either absolute levels or signed deltas; a diff may carry
// both and absolute levels are applied first.
type Diff[P any, A any, D any] struct {
	FirstUpdateID uint64
	LastUpdateID  uint64
	Bids          []Level[P, A]
	Asks          []Level[P, A]
	BidDeltas     []Delta[P, D]
	AskDeltas     []Delta[P, D]
}

// UpdateRange returns the covered update id range.
func (d Diff[P, A, D]) UpdateRange() (first, last uint64) {
	return d.FirstUpdateID, d.LastUpdateID
}

// Message is what a feed adapter produces: exactly one of an in-band
// snapshot or a diff.
type Message[P any, A any, D any] struct {
	Snapshot *Snapshot[P, A]
	Diff     *Diff[P, A, D]
}
