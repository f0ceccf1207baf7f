package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrSnapshotPending is returned by sources whose snapshot arrives in-band:
// the request went out, the snapshot will be offered later.
var ErrSnapshotPending = errors.New("reconcile: snapshot pending")

// State is the synchronization state of a Reconciler.
type State uint8

const (
	Unsynced State = iota
	Synced
)

func (s State) String() string {
	if s == Synced {
		return "synced"
	}
	return "unsynced"
}

// Snapshot is a point-in-time book tagged with the update id it reflects.
type Snapshot interface {
	SnapshotID() uint64
}

// Diff is an incremental update covering an inclusive update id range.
type Diff interface {
	UpdateRange() (first, last uint64)
}

// Source fetches a snapshot. Fetch may block.
type Source[S any] interface {
	Fetch(ctx context.Context) (S, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[S any] func(ctx context.Context) (S, error)

func (f SourceFunc[S]) Fetch(ctx context.Context) (S, error) { return f(ctx) }

// EventKind tags an Event.
type EventKind uint8

const (
	EventSnapshot EventKind = iota + 1
	EventDiff
)

// Event is one element of the reconciled stream. Exactly the field named
// by Kind is set.
type Event[S any, D any] struct {
	Kind     EventKind
	Snapshot S
	Diff     D
}

// Observer receives reconciliation signals. Implementations must be cheap;
// they run on the feed goroutine.
type Observer interface {
	Gap(expected, got uint64)
	SnapshotFetched(err error)
	StateChanged(s State)
}

type nopObserver struct{}

func (nopObserver) Gap(uint64, uint64)    {}
func (nopObserver) SnapshotFetched(error) {}
func (nopObserver) StateChanged(State)    {}

type multiObserver []Observer

// Observers fans every signal out to each of obs in order.
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

func (m multiObserver) Gap(expected, got uint64) {
	for _, o := range m {
		o.Gap(expected, got)
	}
}

func (m multiObserver) SnapshotFetched(err error) {
	for _, o := range m {
		o.SnapshotFetched(err)
	}
}

func (m multiObserver) StateChanged(s State) {
	for _, o := range m {
		o.StateChanged(s)
	}
}

// Option configures a Reconciler.
type Option func(*options)

type options struct {
	log      *zap.Logger
	observer Observer
}

// WithLogger sets the logger used for gap warnings.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithObserver sets the observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Reconciler fuses a sequence-numbered diff stream with snapshots into a
// gap-free stream of events. It is owned by a single goroutine.
type Reconciler[S Snapshot, D Diff] struct {
	source   Source[S]
	log      *zap.Logger
	observer Observer

	state    State
	snapshot S
	cached   bool
	buf      []D
	last     uint64
}

// New returns an Unsynced reconciler fetching snapshots from source.
func New[S Snapshot, D Diff](source Source[S], opts ...Option) *Reconciler[S, D] {
	o := options{log: zap.NewNop(), observer: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reconciler[S, D]{
		source:   source,
		log:      o.log,
		observer: o.observer,
	}
}

// State returns the current state.
func (r *Reconciler[S, D]) State() State { return r.state }

// LastUpdateID returns the last update id received.
func (r *Reconciler[S, D]) LastUpdateID() uint64 { return r.last }

// Buffered returns the number of diffs waiting for a bridging snapshot.
func (r *Reconciler[S, D]) Buffered() int { return len(r.buf) }

// Apply consumes one diff and calls emit for every event that becomes
// ready, in order. A snapshot fetch error is returned and nothing is
// cached; the next diff retries.
func (r *Reconciler[S, D]) Apply(ctx context.Context, d D, emit func(Event[S, D])) error {
	first, last := d.UpdateRange()
	if r.last != 0 && first != r.last+1 {
		r.log.Warn("gap detected",
			zap.Uint64("expected", r.last+1),
			zap.Uint64("first", first),
			zap.Uint64("last", last),
		)
		r.observer.Gap(r.last+1, first)
		r.setState(Unsynced)
		// Buffered diffs before a gap can never be bridged into a
		// contiguous sequence.
		r.dropBuffered(len(r.buf))
	}
	r.last = last

	if r.state == Synced {
		emit(Event[S, D]{Kind: EventDiff, Diff: d})
		return nil
	}

	r.buf = append(r.buf, d)
	return r.restore(ctx, emit)
}

// Offer hands the reconciler a snapshot that arrived in-band. While Synced
// the snapshot supersedes the book and resets the expected sequence.
func (r *Reconciler[S, D]) Offer(s S, emit func(Event[S, D])) {
	id := s.SnapshotID()
	if r.state == Synced {
		r.last = id
		emit(Event[S, D]{Kind: EventSnapshot, Snapshot: s})
		return
	}

	r.snapshot, r.cached = s, true
	n := 0
	for n < len(r.buf) {
		if _, last := r.buf[n].UpdateRange(); last > id {
			break
		}
		n++
	}
	r.dropBuffered(n)

	if len(r.buf) == 0 {
		r.last = id
		r.sync(0, emit)
		return
	}
	r.bridge(emit)
}

func (r *Reconciler[S, D]) restore(ctx context.Context, emit func(Event[S, D])) error {
	oldest, _ := r.buf[0].UpdateRange()
	if !r.cached || r.snapshot.SnapshotID() < oldest {
		s, err := r.source.Fetch(ctx)
		r.observer.SnapshotFetched(err)
		if err != nil {
			return fmt.Errorf("reconcile: fetch snapshot: %w", err)
		}
		r.snapshot, r.cached = s, true
	}
	r.bridge(emit)
	return nil
}

// bridge looks for the buffered diff containing the snapshot's next id and
// syncs from there if the rest of the buffer is contiguous.
func (r *Reconciler[S, D]) bridge(emit func(Event[S, D])) {
	next := r.snapshot.SnapshotID() + 1
	pos := -1
	for i, b := range r.buf {
		if first, last := b.UpdateRange(); first <= next && next <= last {
			pos = i
			break
		}
	}
	if pos < 0 {
		return
	}

	for i := pos + 1; i < len(r.buf); i++ {
		_, prev := r.buf[i-1].UpdateRange()
		if first, _ := r.buf[i].UpdateRange(); first != prev+1 {
			r.log.Warn("buffered diffs not contiguous",
				zap.Uint64("expected", prev+1),
				zap.Uint64("first", first),
			)
			r.dropBuffered(i)
			return
		}
	}
	r.sync(pos, emit)
}

func (r *Reconciler[S, D]) sync(from int, emit func(Event[S, D])) {
	snap := r.snapshot
	var zero S
	r.snapshot, r.cached = zero, false
	r.setState(Synced)

	emit(Event[S, D]{Kind: EventSnapshot, Snapshot: snap})
	for _, d := range r.buf[from:] {
		emit(Event[S, D]{Kind: EventDiff, Diff: d})
	}
	r.dropBuffered(len(r.buf))
}

// dropBuffered discards the first n buffered diffs.
func (r *Reconciler[S, D]) dropBuffered(n int) {
	if n == 0 {
		return
	}
	rest := copy(r.buf, r.buf[n:])
	clear(r.buf[rest:])
	r.buf = r.buf[:rest]
}

func (r *Reconciler[S, D]) setState(s State) {
	if r.state == s {
		return
	}
	r.state = s
	r.observer.StateChanged(s)
}
