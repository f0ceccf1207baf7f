package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caesar-terminal/depth/internal/metrics"
)

// HealthConfig tunes a HealthGate.
type HealthConfig struct {
	// StaleThreshold is the longest a book may go without a new copy.
	StaleThreshold time.Duration

	// CoolOff is how long a recovered book must keep receiving fresh
	// copies before it is reported healthy again.
	CoolOff time.Duration

	// PollInterval is how often staleness and connections are swept.
	PollInterval time.Duration
}

// DefaultHealthConfig returns the daemon defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StaleThreshold: 5 * time.Second,
		CoolOff:        30 * time.Second,
		PollInterval:   250 * time.Millisecond,
	}
}

// CircuitReporter is the part of a connection the gate watches. *WSClient
// implements it.
type CircuitReporter interface {
	Circuit() CircuitState
}

// bookHealth is the gate's view of one book. A book that loses freshness
// or its connection goes down; the first copy after that starts the
// cool-off clock.
type bookHealth struct {
	exchange Exchange
	symbol   string
	seen     time.Time
	upSince  time.Time
	up       bool
}

// HealthGate tells readers whether a reconstructed book can be trusted.
// A book is healthy when the gate is not halted, its venue connection is
// up, its last copy is fresher than StaleThreshold, and it has been up for
// at least CoolOff.
type HealthGate struct {
	cfg  HealthConfig
	feed <-chan TopOfBook

	connMu sync.RWMutex
	conns  map[Exchange]CircuitReporter

	mu    sync.RWMutex
	books map[string]*bookHealth

	halted atomic.Bool

	nowFunc func() time.Time
}

// NewHealthGate returns a gate fed by feed, normally a Broadcaster
// SubscribeAll channel.
func NewHealthGate(cfg HealthConfig, feed <-chan TopOfBook) *HealthGate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultHealthConfig().PollInterval
	}
	return &HealthGate{
		cfg:     cfg,
		feed:    feed,
		conns:   make(map[Exchange]CircuitReporter),
		books:   make(map[string]*bookHealth),
		nowFunc: time.Now,
	}
}

// WatchConnection ties every book of exchange to conn. Exchanges without a
// watched connection, such as file replays, are judged on freshness alone.
func (hg *HealthGate) WatchConnection(exchange Exchange, conn CircuitReporter) {
	hg.connMu.Lock()
	hg.conns[exchange] = conn
	hg.connMu.Unlock()
}

// Halt reports every book unhealthy until Resume.
func (hg *HealthGate) Halt() { hg.halted.Store(true) }

// Resume lifts a halt. Freshness and cool-off still apply.
func (hg *HealthGate) Resume() { hg.halted.Store(false) }

// Healthy reports whether the book can be trusted right now.
func (hg *HealthGate) Healthy(exchange Exchange, symbol string) bool {
	if hg.halted.Load() || !hg.connected(exchange) {
		return false
	}
	now := hg.nowFunc()

	hg.mu.RLock()
	defer hg.mu.RUnlock()
	b, ok := hg.books[BookKey(exchange, symbol)]
	return ok && hg.trusted(b, now)
}

func (hg *HealthGate) trusted(b *bookHealth, now time.Time) bool {
	return b.up &&
		now.Sub(b.seen) <= hg.cfg.StaleThreshold &&
		now.Sub(b.upSince) >= hg.cfg.CoolOff
}

func (hg *HealthGate) connected(exchange Exchange) bool {
	hg.connMu.RLock()
	conn, ok := hg.conns[exchange]
	hg.connMu.RUnlock()
	return !ok || conn.Circuit() == CircuitClosed
}

// Run consumes the feed and sweeps every PollInterval until ctx is done or
// the feed is closed.
func (hg *HealthGate) Run(ctx context.Context) {
	ticker := time.NewTicker(hg.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tob, ok := <-hg.feed:
			if !ok {
				return
			}
			hg.observe(tob)
		case <-ticker.C:
			hg.sweep()
		}
	}
}

// observe records a fresh copy. Copies that arrive while the connection is
// down keep the book down.
func (hg *HealthGate) observe(tob TopOfBook) {
	now := hg.nowFunc()
	connected := hg.connected(tob.Exchange)
	key := tob.Key()

	hg.mu.Lock()
	defer hg.mu.Unlock()

	b, ok := hg.books[key]
	if !ok {
		b = &bookHealth{exchange: tob.Exchange, symbol: tob.Symbol}
		hg.books[key] = b
	}
	b.seen = now
	switch {
	case !connected:
		b.up = false
	case !b.up:
		b.up = true
		b.upSince = now
	}
}

// sweep takes down stale and disconnected books and exports the result.
func (hg *HealthGate) sweep() {
	now := hg.nowFunc()
	halted := hg.halted.Load()

	hg.mu.Lock()
	defer hg.mu.Unlock()

	for _, b := range hg.books {
		if now.Sub(b.seen) > hg.cfg.StaleThreshold || !hg.connected(b.exchange) {
			b.up = false
		}
		v := 0.0
		if !halted && hg.trusted(b, now) {
			v = 1
		}
		metrics.BookHealthy.WithLabelValues(string(b.exchange), b.symbol).Set(v)
	}
}

// MarkStale takes a book down, for example after its reconciler lost sync.
func (hg *HealthGate) MarkStale(exchange Exchange, symbol string) {
	hg.mu.Lock()
	if b, ok := hg.books[BookKey(exchange, symbol)]; ok {
		b.up = false
	}
	hg.mu.Unlock()
}
