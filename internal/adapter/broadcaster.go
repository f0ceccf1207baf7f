package adapter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/metrics"
)

// UpdatesProvider publishes top-of-book copies. Every pipeline is one.
type UpdatesProvider interface {
	Updates() <-chan TopOfBook
}

// allBooks is the route key of unfiltered subscribers. BookKey never
// produces it because exchange names are non-empty.
const allBooks = ":"

const (
	bookBuffer = 256
	allBuffer  = 512
)

// Broadcaster fans top-of-book copies from every pipeline out to
// subscribers. Delivery never blocks: a subscriber whose buffer is full
// misses that copy and picks up the next one, which supersedes it.
type Broadcaster struct {
	sources []<-chan TopOfBook
	log     *zap.Logger

	mu     sync.RWMutex
	routes map[string][]chan TopOfBook
	closed bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		log:    log.Named("broadcaster"),
		routes: make(map[string][]chan TopOfBook),
	}
}

// Register adds provider as a source. Call it before Run.
func (b *Broadcaster) Register(provider UpdatesProvider) {
	b.sources = append(b.sources, provider.Updates())
}

// Subscribe returns a channel of copies for one book.
func (b *Broadcaster) Subscribe(exchange Exchange, symbol string) <-chan TopOfBook {
	return b.add(BookKey(exchange, symbol), bookBuffer)
}

// SubscribeAll returns a channel of copies for every book. The sinks, the
// health gate and the query registry each hold one.
func (b *Broadcaster) SubscribeAll() <-chan TopOfBook {
	return b.add(allBooks, allBuffer)
}

func (b *Broadcaster) add(route string, size int) <-chan TopOfBook {
	ch := make(chan TopOfBook, size)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.routes[route] = append(b.routes[route], ch)
	return ch
}

// Run reads every source on its own goroutine until ctx is done or all
// sources are closed, then closes every subscriber channel.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range b.sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.drain(ctx, src)
		}()
	}
	wg.Wait()
	b.shutdown()
}

func (b *Broadcaster) drain(ctx context.Context, src <-chan TopOfBook) {
	for {
		select {
		case <-ctx.Done():
			return
		case tob, ok := <-src:
			if !ok {
				return
			}
			b.publish(tob)
		}
	}
}

func (b *Broadcaster) publish(tob TopOfBook) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.routes[tob.Key()] {
		if !offer(ch, tob) {
			metrics.DroppedUpdates.WithLabelValues("subscriber").Inc()
			b.log.Debug("subscriber full", zap.String("book", tob.Key()))
		}
	}
	for _, ch := range b.routes[allBooks] {
		if !offer(ch, tob) {
			metrics.DroppedUpdates.WithLabelValues("all").Inc()
		}
	}
}

func (b *Broadcaster) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for route, chans := range b.routes {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.routes, route)
	}
}

func offer(ch chan TopOfBook, tob TopOfBook) bool {
	select {
	case ch <- tob:
		return true
	default:
		return false
	}
}
