// Package pipeline joins one venue stream to one book: a feed goroutine
// reconciles adapter messages and a book goroutine applies the resulting
// events and publishes top-of-book copies.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter"
	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/metrics"
	"github.com/caesar-terminal/depth/internal/reconcile"
)

// TaskKind discriminates Task.
type TaskKind uint8

const (
	TaskApply TaskKind = iota + 1
	TaskStop
)

// Task is the unit passed from the feed goroutine to the book goroutine.
type Task[P book.Price[P], A book.Amount[A, D], D any] struct {
	Kind  TaskKind
	Event reconcile.Event[book.Snapshot[P, A], book.Diff[P, A, D]]
}

// Config names the book and sizes the queues.
type Config struct {
	Exchange     adapter.Exchange
	Symbol       string
	QueueSize    int
	PublishDepth int

	// Observer, when set, receives reconciler signals alongside the
	// metrics observer.
	Observer reconcile.Observer
}

// Pipeline owns one book and its reconciler.
type Pipeline[P book.Price[P], A book.Amount[A, D], D any] struct {
	cfg     Config
	book    *book.Book[P, A, D]
	rec     *reconcile.Reconciler[book.Snapshot[P, A], book.Diff[P, A, D]]
	tasks   chan Task[P, A, D]
	updates chan adapter.TopOfBook
	log     *zap.Logger
	nowFunc func() time.Time
}

// New returns a pipeline applying reconciled events to b. source supplies
// snapshots whenever the diff stream needs rebasing.
func New[P book.Price[P], A book.Amount[A, D], D any](
	cfg Config,
	b *book.Book[P, A, D],
	source reconcile.Source[book.Snapshot[P, A]],
	log *zap.Logger,
) *Pipeline[P, A, D] {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PublishDepth <= 0 {
		cfg.PublishDepth = 5
	}
	log = log.Named("pipeline").With(
		zap.String("exchange", string(cfg.Exchange)),
		zap.String("symbol", cfg.Symbol),
	)
	var obs reconcile.Observer = metrics.ForBook(string(cfg.Exchange), cfg.Symbol)
	if cfg.Observer != nil {
		obs = reconcile.Observers(obs, cfg.Observer)
	}
	return &Pipeline[P, A, D]{
		cfg:  cfg,
		book: b,
		rec: reconcile.New[book.Snapshot[P, A], book.Diff[P, A, D]](source,
			reconcile.WithLogger(log),
			reconcile.WithObserver(obs),
		),
		tasks:   make(chan Task[P, A, D], cfg.QueueSize),
		updates: make(chan adapter.TopOfBook, 64),
		log:     log,
		nowFunc: time.Now,
	}
}

// Updates returns the top-of-book stream. It is closed when the book
// goroutine stops.
func (p *Pipeline[P, A, D]) Updates() <-chan adapter.TopOfBook { return p.updates }

// Run consumes in until ctx is cancelled or in is closed, then drains the
// queue and returns once the book goroutine has stopped.
func (p *Pipeline[P, A, D]) Run(ctx context.Context, in <-chan book.Message[P, A, D]) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.bookLoop()
	}()

	p.feed(ctx, in)
	wg.Wait()
}

func (p *Pipeline[P, A, D]) feed(ctx context.Context, in <-chan book.Message[P, A, D]) {
	defer func() { p.tasks <- Task[P, A, D]{Kind: TaskStop} }()

	emit := func(ev reconcile.Event[book.Snapshot[P, A], book.Diff[P, A, D]]) {
		p.tasks <- Task[P, A, D]{Kind: TaskApply, Event: ev}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			p.handle(ctx, msg, emit)
		}
	}
}

func (p *Pipeline[P, A, D]) handle(ctx context.Context, msg book.Message[P, A, D], emit func(reconcile.Event[book.Snapshot[P, A], book.Diff[P, A, D]])) {
	if msg.Snapshot != nil {
		p.rec.Offer(*msg.Snapshot, emit)
	}
	if msg.Diff == nil {
		return
	}
	err := p.rec.Apply(ctx, *msg.Diff, emit)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrSnapshotPending):
		p.log.Debug("waiting for snapshot", zap.Int("buffered", p.rec.Buffered()))
	case ctx.Err() != nil:
	default:
		p.log.Warn("snapshot fetch failed", zap.Error(err), zap.Int("buffered", p.rec.Buffered()))
	}
}

func (p *Pipeline[P, A, D]) bookLoop() {
	defer close(p.updates)

	exchange := string(p.cfg.Exchange)
	for task := range p.tasks {
		metrics.QueueDepth.WithLabelValues(exchange, p.cfg.Symbol).Set(float64(len(p.tasks)))
		switch task.Kind {
		case TaskStop:
			return
		case TaskApply:
			p.apply(task.Event)
		}
	}
}

func (p *Pipeline[P, A, D]) apply(ev reconcile.Event[book.Snapshot[P, A], book.Diff[P, A, D]]) {
	exchange := string(p.cfg.Exchange)
	start := time.Now()

	switch ev.Kind {
	case reconcile.EventSnapshot:
		p.book.ApplySnapshot(ev.Snapshot)
		metrics.EventsApplied.WithLabelValues(exchange, p.cfg.Symbol, "snapshot").Inc()
	case reconcile.EventDiff:
		p.book.ApplyDiff(ev.Diff)
		metrics.EventsApplied.WithLabelValues(exchange, p.cfg.Symbol, "diff").Inc()
	}

	metrics.ApplyLatency.WithLabelValues(exchange).Observe(time.Since(start).Seconds())
	metrics.LastUpdateID.WithLabelValues(exchange, p.cfg.Symbol).Set(float64(p.book.LastUpdateID()))

	if p.book.Crossed() {
		metrics.CrossedBooks.WithLabelValues(exchange, p.cfg.Symbol).Inc()
		bid, _ := p.book.Bids().Best()
		ask, _ := p.book.Asks().Best()
		p.log.Error("crossed book",
			zap.Float64("bid", bid.Price.Float64()),
			zap.Float64("ask", ask.Price.Float64()),
			zap.Uint64("last", p.book.LastUpdateID()),
		)
	}

	p.publish()
}

// publish never blocks the book goroutine.
func (p *Pipeline[P, A, D]) publish() {
	top := TopOf(p.cfg.Exchange, p.cfg.Symbol, p.book, p.cfg.PublishDepth, p.nowFunc())
	select {
	case p.updates <- top:
	default:
		metrics.DroppedUpdates.WithLabelValues("pipeline").Inc()
	}
}

// TopOf copies the best depth levels of b into a TopOfBook.
func TopOf[P book.Price[P], A book.Amount[A, D], D any](
	exchange adapter.Exchange,
	symbol string,
	b *book.Book[P, A, D],
	depth int,
	ts time.Time,
) adapter.TopOfBook {
	return adapter.TopOfBook{
		Exchange:     exchange,
		Symbol:       symbol,
		Bids:         levels(b.Bids().TopLevels(depth)),
		Asks:         levels(b.Asks().TopLevels(depth)),
		LastUpdateID: b.LastUpdateID(),
		Timestamp:    ts,
	}
}

func levels[P, A interface{ Float64() float64 }](in []book.Level[P, A]) []adapter.PriceLevel {
	out := make([]adapter.PriceLevel, len(in))
	for i, l := range in {
		out[i] = adapter.PriceLevel{Price: l.Price.Float64(), Size: l.Amount.Float64()}
	}
	return out
}
