package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter"
	"github.com/caesar-terminal/depth/internal/adapter/binance"
	"github.com/caesar-terminal/depth/internal/adapter/kalshi"
	"github.com/caesar-terminal/depth/internal/adapter/poly"
	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/config"
	"github.com/caesar-terminal/depth/internal/kms"
	"github.com/caesar-terminal/depth/internal/logger"
	"github.com/caesar-terminal/depth/internal/metrics"
	"github.com/caesar-terminal/depth/internal/pipeline"
	"github.com/caesar-terminal/depth/internal/query"
	"github.com/caesar-terminal/depth/internal/reconcile"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("depthd starting", zap.String("env", cfg.Env))
	if err := run(ctx, cfg, log); err != nil {
		log.Error("depthd failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("depthd stopped")
}

// daemon holds the shared plumbing every venue plugs its pipelines into.
type daemon struct {
	cfg     *config.Config
	log     *zap.Logger
	streams *adapter.StreamManager
	bc      *adapter.Broadcaster
	health  *adapter.HealthGate
	wg      sync.WaitGroup
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	d := &daemon{
		cfg:     cfg,
		log:     log,
		streams: adapter.NewStreamManager(log),
		bc:      adapter.NewBroadcaster(log),
	}
	defer d.streams.CloseAll()
	d.health = adapter.NewHealthGate(adapter.HealthConfig{
		StaleThreshold: cfg.Health.StaleThreshold,
		CoolOff:        cfg.Health.CoolOff,
	}, d.bc.SubscribeAll())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := d.startVenues(ctx, cancel, []venue{
		{enabled: cfg.Binance.Enabled, start: d.startBinance},
		{enabled: cfg.Kalshi.Enabled, start: d.startKalshi},
		{enabled: cfg.Poly.Enabled, start: d.startPoly},
	})
	if err != nil {
		return err
	}

	d.goRun(func() { d.health.Run(ctx) })

	registry := query.NewRegistry(d.health)
	feed := d.bc.SubscribeAll()
	d.goRun(func() { registry.Run(ctx, feed) })

	if cfg.Redis.Enabled {
		client, closeRedis := adapter.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer closeRedis()
		rw := adapter.NewRedisWriter(client, d.bc.SubscribeAll(), log)
		d.goRun(func() { rw.Run(ctx) })
	}
	if cfg.Kafka.Enabled {
		writer := adapter.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer writer.Close()
		kp := adapter.NewKafkaPublisher(writer, d.bc.SubscribeAll(), log)
		d.goRun(func() { kp.Run(ctx) })
	}

	d.goRun(func() { d.bc.Run(ctx) })

	srv, err := query.New(cfg.Query.SocketPath, registry, log)
	if err != nil {
		d.shutdown(cancel)
		return fmt.Errorf("query server: %w", err)
	}
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve() }()

	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metrics.Handler(metrics.NewRegistry()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.Info("depthd ready",
		zap.String("query_socket", cfg.Query.SocketPath),
		zap.String("metrics_addr", cfg.Metrics.Addr),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	srv.GracefulStop()
	d.shutdown(cancel)
	return runErr
}

// venue starts the streams and pipelines of one exchange.
type venue struct {
	enabled bool
	start   func(context.Context) error
}

// startVenues starts every enabled venue in order. When one fails, the
// goroutines of the venues already started are stopped before returning.
func (d *daemon) startVenues(ctx context.Context, cancel context.CancelFunc, venues []venue) error {
	for _, v := range venues {
		if !v.enabled {
			continue
		}
		if err := v.start(ctx); err != nil {
			d.shutdown(cancel)
			return err
		}
	}
	return nil
}

// shutdown cancels the daemon context and waits for every goroutine
// started through goRun.
func (d *daemon) shutdown(cancel context.CancelFunc) {
	cancel()
	d.wg.Wait()
}

func (d *daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *daemon) pipelineConfig(exchange adapter.Exchange, symbol string) pipeline.Config {
	return pipeline.Config{
		Exchange:     exchange,
		Symbol:       symbol,
		QueueSize:    d.cfg.Book.QueueSize,
		PublishDepth: d.cfg.Book.PublishDepth,
		Observer:     unsyncMarker{health: d.health, exchange: exchange, symbol: symbol},
	}
}

// unsyncMarker takes a book down in the health gate as soon as its
// reconciler loses sync, ahead of the staleness sweep.
type unsyncMarker struct {
	health   *adapter.HealthGate
	exchange adapter.Exchange
	symbol   string
}

func (m unsyncMarker) Gap(uint64, uint64)    {}
func (m unsyncMarker) SnapshotFetched(error) {}

func (m unsyncMarker) StateChanged(s reconcile.State) {
	if s == reconcile.Unsynced {
		m.health.MarkStale(m.exchange, m.symbol)
	}
}

// startPipeline registers a pipeline with the broadcaster and runs it on
// feed.
func startPipeline[P book.Price[P], A book.Amount[A, D], D any](
	ctx context.Context,
	d *daemon,
	cfg pipeline.Config,
	b *book.Book[P, A, D],
	source reconcile.Source[book.Snapshot[P, A]],
	feed <-chan book.Message[P, A, D],
) {
	p := pipeline.New(cfg, b, source, d.log)
	d.bc.Register(p)
	d.goRun(func() { p.Run(ctx, feed) })
}

func (d *daemon) open(ctx context.Context, sc adapter.StreamConfig) (*adapter.Stream, error) {
	s, err := d.streams.Open(ctx, sc)
	if err != nil {
		return nil, err
	}
	d.health.WatchConnection(sc.Exchange, s.Client())
	return s, nil
}

func (d *daemon) startBinance(ctx context.Context) error {
	cfg := d.cfg.Binance
	stream, err := d.open(ctx, adapter.StreamConfig{
		Exchange: adapter.ExchangeBinance,
		Name:     "depth",
		URL:      cfg.WSURL,
	})
	if err != nil {
		return err
	}

	a := binance.New(stream, d.log)
	rest := binance.NewSnapshotClient(cfg.RESTURL, cfg.SnapshotLimit, adapter.NewHTTPClient(10*time.Second))
	symbols := make([]string, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		b := book.New[book.Float, book.Qty, book.Qty](book.Config[book.Float]{
			Tick:  book.Float(m.Tick),
			Depth: d.cfg.Book.Depth,
			Store: book.StoreDense,
		})
		startPipeline(ctx, d, d.pipelineConfig(adapter.ExchangeBinance, m.Symbol), b, rest.Source(m.Symbol), a.Feed(m.Symbol))
		symbols = append(symbols, m.Symbol)
	}
	a.Subscribe(symbols...)
	d.goRun(func() { a.Run(ctx) })
	d.log.Info("binance started", zap.Strings("symbols", symbols))
	return nil
}

func (d *daemon) startKalshi(ctx context.Context) error {
	cfg := d.cfg.Kalshi
	creds, err := d.kalshiCredentials(ctx)
	if err != nil {
		return err
	}
	stream, err := d.open(ctx, adapter.StreamConfig{
		Exchange:   adapter.ExchangeKalshi,
		Name:       "orderbook",
		URL:        cfg.WSURL,
		HeaderFunc: creds.Headers,
	})
	if err != nil {
		return err
	}

	a := kalshi.New(stream, d.log)
	for _, ticker := range cfg.Tickers {
		b := book.New[book.Cents, book.Lots, int64](book.Config[book.Cents]{
			Tick:  1,
			Depth: d.cfg.Book.Depth,
			Store: book.StoreDense,
		})
		startPipeline(ctx, d, d.pipelineConfig(adapter.ExchangeKalshi, ticker), b, a.Source(ticker), a.Feed(ticker))
		a.Subscribe(ticker)
	}
	d.goRun(func() { a.Run(ctx) })
	d.log.Info("kalshi started", zap.Strings("tickers", cfg.Tickers))
	return nil
}

// kalshiCredentials loads the signing key, decrypting it through KMS when
// only the ciphertext is on disk.
func (d *daemon) kalshiCredentials(ctx context.Context) (*kalshi.Credentials, error) {
	cfg := d.cfg.Kalshi
	switch {
	case cfg.PrivateKeyCiphertextFile != "":
		client, err := kms.New(ctx, cfg.AWSRegion, d.cfg.LocalStackEndpoint)
		if err != nil {
			return nil, err
		}
		pem, err := client.DecryptFile(ctx, cfg.PrivateKeyCiphertextFile)
		if err != nil {
			return nil, err
		}
		return kalshi.NewCredentials(cfg.APIKey, pem), nil
	case cfg.PrivateKeyFile != "":
		pem, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("kalshi: read private key: %w", err)
		}
		return kalshi.NewCredentials(cfg.APIKey, pem), nil
	}
	return nil, errors.New("kalshi: private_key_file or private_key_ciphertext_file is required")
}

func (d *daemon) startPoly(ctx context.Context) error {
	cfg := d.cfg.Poly
	stream, err := d.open(ctx, adapter.StreamConfig{
		Exchange: adapter.ExchangePolymarket,
		Name:     "market",
		URL:      cfg.WSURL,
	})
	if err != nil {
		return err
	}

	a := poly.New(stream, d.log)
	for _, id := range cfg.AssetIDs {
		b := book.New[book.Price4, book.Qty, book.Qty](book.Config[book.Price4]{
			Tick:  poly.Tick,
			Depth: d.cfg.Book.Depth,
			Store: book.StorePooled,
		})
		startPipeline(ctx, d, d.pipelineConfig(adapter.ExchangePolymarket, id), b, a.Source(id), a.Feed(id))
	}
	a.Subscribe(cfg.AssetIDs...)
	d.goRun(func() { a.Run(ctx) })
	d.log.Info("polymarket started", zap.Int("assets", len(cfg.AssetIDs)))
	return nil
}
