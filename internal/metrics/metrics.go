package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caesar-terminal/depth/internal/reconcile"
)

var (
	EventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_events_applied_total",
		Help: "Reconciled events applied to books by kind",
	}, []string{"exchange", "symbol", "kind"})

	ApplyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "depth_apply_latency_seconds",
		Help:    "Time to apply one reconciled event to a book",
		Buckets: prometheus.ExponentialBuckets(1e-7, 4, 12),
	}, []string{"exchange"})

	Gaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_gaps_total",
		Help: "Sequence gaps detected in diff streams",
	}, []string{"exchange", "symbol"})

	SnapshotFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_snapshot_fetches_total",
		Help: "Snapshot fetch attempts by result",
	}, []string{"exchange", "symbol", "result"})

	Synced = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depth_synced",
		Help: "1 while the reconciler is synced",
	}, []string{"exchange", "symbol"})

	LastUpdateID = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depth_last_update_id",
		Help: "Last update id applied to the book",
	}, []string{"exchange", "symbol"})

	CrossedBooks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_crossed_books_total",
		Help: "Applies that left the best bid at or above the best ask",
	}, []string{"exchange", "symbol"})

	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_decode_errors_total",
		Help: "Malformed feed messages dropped by adapters",
	}, []string{"exchange"})

	WSReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_ws_reconnects_total",
		Help: "WebSocket reconnects by exchange",
	}, []string{"exchange"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depth_queue_depth",
		Help: "Tasks waiting between the feed and book goroutines",
	}, []string{"exchange", "symbol"})

	DroppedUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_dropped_updates_total",
		Help: "Frames and top-of-book updates dropped for slow consumers",
	}, []string{"sink"})

	BookHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depth_book_healthy",
		Help: "1 while the health gate reports the book as trustworthy",
	}, []string{"exchange", "symbol"})

	QueryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depth_query_requests_total",
		Help: "Query service calls by method and status code",
	}, []string{"method", "code"})
)

// NewRegistry returns a registry with every collector of this package plus
// the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		EventsApplied, ApplyLatency, Gaps, SnapshotFetches, Synced,
		LastUpdateID, CrossedBooks, DecodeErrors, WSReconnects, QueueDepth,
		DroppedUpdates, BookHealthy, QueryRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ReconcileObserver reports reconciler signals for one book.
type ReconcileObserver struct {
	exchange string
	symbol   string
}

var _ reconcile.Observer = ReconcileObserver{}

// ForBook returns the observer for (exchange, symbol).
func ForBook(exchange, symbol string) ReconcileObserver {
	return ReconcileObserver{exchange: exchange, symbol: symbol}
}

func (o ReconcileObserver) Gap(uint64, uint64) {
	Gaps.WithLabelValues(o.exchange, o.symbol).Inc()
}

func (o ReconcileObserver) SnapshotFetched(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SnapshotFetches.WithLabelValues(o.exchange, o.symbol, result).Inc()
}

func (o ReconcileObserver) StateChanged(s reconcile.State) {
	v := 0.0
	if s == reconcile.Synced {
		v = 1
	}
	Synced.WithLabelValues(o.exchange, o.symbol).Set(v)
}
