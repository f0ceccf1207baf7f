// Package query serves the latest top-of-book copy of every book over a
// gRPC Unix domain socket.
package query

import (
	"context"
	"sort"
	"sync"

	"github.com/caesar-terminal/depth/internal/adapter"
)

// HealthChecker reports whether a book is fresh. *adapter.HealthGate
// satisfies it.
type HealthChecker interface {
	Healthy(exchange adapter.Exchange, symbol string) bool
}

// Registry keeps the most recent TopOfBook per book key.
type Registry struct {
	health HealthChecker

	mu    sync.RWMutex
	books map[string]adapter.TopOfBook
}

// NewRegistry returns an empty registry. health may be nil, in which case
// every known book reports healthy.
func NewRegistry(health HealthChecker) *Registry {
	return &Registry{
		health: health,
		books:  make(map[string]adapter.TopOfBook),
	}
}

// Run records every update from feed until ctx is done or feed closes.
func (r *Registry) Run(ctx context.Context, feed <-chan adapter.TopOfBook) {
	for {
		select {
		case <-ctx.Done():
			return
		case tob, ok := <-feed:
			if !ok {
				return
			}
			r.Record(tob)
		}
	}
}

// Record stores tob unless a newer update for the same book is held.
func (r *Registry) Record(tob adapter.TopOfBook) {
	key := tob.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.books[key]; ok && cur.LastUpdateID > tob.LastUpdateID {
		return
	}
	r.books[key] = tob
}

// Get returns the latest copy of a book and whether it is healthy.
func (r *Registry) Get(exchange adapter.Exchange, symbol string) (tob adapter.TopOfBook, healthy, ok bool) {
	r.mu.RLock()
	tob, ok = r.books[adapter.BookKey(exchange, symbol)]
	r.mu.RUnlock()
	if !ok {
		return tob, false, false
	}
	if r.health == nil {
		return tob, true, true
	}
	return tob, r.health.Healthy(exchange, symbol), true
}

// Keys returns the known book keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.books))
	for k := range r.books {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
