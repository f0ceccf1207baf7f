package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Stream is one venue WebSocket connection carrying market data for one or
// more books.
type Stream struct {
	Exchange Exchange
	Name     string
	ws       *WSClient
	cancel   context.CancelFunc
	msgs     <-chan []byte
}

// Messages returns the channel of raw inbound messages for this stream.
func (s *Stream) Messages() <-chan []byte { return s.msgs }

// Client returns the underlying connection, for health watching and
// reconnect hooks.
func (s *Stream) Client() *WSClient { return s.ws }

// Send enqueues a message on the stream.
func (s *Stream) Send(data []byte) { s.ws.Send(data) }

// OnReconnect registers fn to run after every reconnection of the stream.
func (s *Stream) OnReconnect(fn func()) { s.ws.OnReconnect(fn) }

// Conn is the view of a Stream that venue adapters need.
type Conn interface {
	Send(data []byte)
	Messages() <-chan []byte
	OnReconnect(fn func())
}

var _ Conn = (*Stream)(nil)

// StreamConfig holds the parameters needed to open a stream.
type StreamConfig struct {
	Exchange Exchange
	Name     string // symbol, or a venue-wide name for multiplexed feeds
	URL      string
	Headers  http.Header

	// HeaderFunc signs fresh auth headers per dial (RSA-PSS for Kalshi).
	HeaderFunc func() (http.Header, error)
}

type streamKey struct {
	Exchange Exchange
	Name     string
}

// StreamManager owns the venue connections of a process, keyed by
// (Exchange, Name).
type StreamManager struct {
	log     *zap.Logger
	mu      sync.Mutex
	streams map[streamKey]*Stream
}

// NewStreamManager creates a StreamManager ready for use.
func NewStreamManager(log *zap.Logger) *StreamManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamManager{
		log:     log,
		streams: make(map[streamKey]*Stream),
	}
}

// Open dials a new stream. If one already exists for (exchange, name) it is
// closed first.
func (sm *StreamManager) Open(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	key := streamKey{Exchange: cfg.Exchange, Name: cfg.Name}

	sm.mu.Lock()
	if existing, ok := sm.streams[key]; ok {
		existing.close()
		delete(sm.streams, key)
	}
	sm.mu.Unlock()

	wsCfg := DefaultWSConfig(cfg.Exchange, cfg.URL)
	wsCfg.Headers = cfg.Headers
	wsCfg.HeaderFunc = cfg.HeaderFunc

	ws := NewWSClient(wsCfg, sm.log.With(zap.String("stream", cfg.Name)))
	msgs := ws.Subscribe()

	streamCtx, cancel := context.WithCancel(ctx)
	if err := ws.Connect(streamCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("streams: connect %s/%s: %w", cfg.Exchange, cfg.Name, err)
	}

	s := &Stream{
		Exchange: cfg.Exchange,
		Name:     cfg.Name,
		ws:       ws,
		cancel:   cancel,
		msgs:     msgs,
	}

	sm.mu.Lock()
	sm.streams[key] = s
	sm.mu.Unlock()

	return s, nil
}

// Close tears down the stream for (exchange, name).
func (sm *StreamManager) Close(exchange Exchange, name string) {
	key := streamKey{Exchange: exchange, Name: name}

	sm.mu.Lock()
	s, ok := sm.streams[key]
	if ok {
		delete(sm.streams, key)
	}
	sm.mu.Unlock()

	if ok {
		s.close()
	}
}

// CloseAll tears down every open stream.
func (sm *StreamManager) CloseAll() {
	sm.mu.Lock()
	streams := sm.streams
	sm.streams = make(map[streamKey]*Stream)
	sm.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}

// Get returns the open stream for (exchange, name), or nil.
func (sm *StreamManager) Get(exchange Exchange, name string) *Stream {
	key := streamKey{Exchange: exchange, Name: name}
	sm.mu.Lock()
	s := sm.streams[key]
	sm.mu.Unlock()
	return s
}

// Send enqueues a message on the stream for (exchange, name).
func (sm *StreamManager) Send(exchange Exchange, name string, data []byte) error {
	s := sm.Get(exchange, name)
	if s == nil {
		return fmt.Errorf("streams: no open stream %s/%s", exchange, name)
	}
	s.Send(data)
	return nil
}

func (s *Stream) close() {
	s.cancel()
	s.ws.Close()
}
