package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/metrics"
)

// CircuitState is the health of a venue connection. The health gate reads
// it to mark every book on the connection stale.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // connected
	CircuitOpen                       // disconnected or reconnecting
)

func (s CircuitState) String() string {
	if s == CircuitClosed {
		return "closed"
	}
	return "open"
}

// WSConfig tunes a WSClient.
type WSConfig struct {
	URL      string
	Exchange Exchange

	ReadBufferSize  int
	WriteBufferSize int

	// ReadLimit caps a single inbound frame. REST-sized depth snapshots
	// pushed in-band (Kalshi, Polymarket) can run to megabytes.
	ReadLimit int64

	// HeartbeatTimeout is the longest silence, counting pongs, before the
	// connection is declared dead.
	HeartbeatTimeout time.Duration

	// PingInterval is how often a ping is sent so that a quiet market does
	// not trip HeartbeatTimeout. Zero disables pings.
	PingInterval time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Compression negotiates permessage-deflate.
	Compression bool

	Headers http.Header

	// HeaderFunc, when set, is called on every dial and replaces Headers.
	// Venues whose auth signature covers a timestamp need it.
	HeaderFunc func() (http.Header, error)
}

// DefaultWSConfig returns defaults for a depth stream.
func DefaultWSConfig(exchange Exchange, url string) WSConfig {
	return WSConfig{
		URL:              url,
		Exchange:         exchange,
		ReadBufferSize:   1 << 16,
		WriteBufferSize:  4096,
		ReadLimit:        16 << 20,
		HeartbeatTimeout: 10 * time.Second,
		PingInterval:     3 * time.Second,
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
	}
}

// nextDelay grows d by the backoff factor, capped at BackoffMax.
func (c WSConfig) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * c.BackoffFactor)
	if next <= d || next > c.BackoffMax {
		return c.BackoffMax
	}
	return next
}

// WSClient keeps one venue connection alive. Inbound frames are copied to
// every subscriber; a frame a slow subscriber cannot take is dropped and
// shows up downstream as a sequence gap.
type WSClient struct {
	cfg WSConfig
	log *zap.Logger

	circuit    atomic.Int32
	reconnects atomic.Uint64

	mu   sync.RWMutex
	url  string
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  []chan []byte

	outbox chan []byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	hookMu sync.Mutex
	hooks  []func()
}

// NewWSClient creates a client. Call Connect to start it.
func NewWSClient(cfg WSConfig, log *zap.Logger) *WSClient {
	if log == nil {
		log = zap.NewNop()
	}
	ws := &WSClient{
		cfg:    cfg,
		log:    log.Named("ws").With(zap.String("exchange", string(cfg.Exchange))),
		url:    cfg.URL,
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	ws.circuit.Store(int32(CircuitOpen))
	return ws
}

// OnReconnect registers fn to run after every successful reconnection, in
// registration order. Venue adapters re-send their subscriptions from it.
func (ws *WSClient) OnReconnect(fn func()) {
	ws.hookMu.Lock()
	ws.hooks = append(ws.hooks, fn)
	ws.hookMu.Unlock()
}

// Circuit returns the connection state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// Reconnects returns how many times the connection has been re-established.
func (ws *WSClient) Reconnects() uint64 { return ws.reconnects.Load() }

// SetURL changes the endpoint used from the next dial on.
func (ws *WSClient) SetURL(url string) {
	ws.mu.Lock()
	ws.url = url
	ws.mu.Unlock()
}

// Subscribe returns a channel receiving every inbound frame. It is closed
// by Close.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.subMu.Unlock()
	return ch
}

// Send queues a text frame. A frame that meets a dead connection is lost;
// subscriptions are restored by the OnReconnect hooks instead.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		metrics.DroppedUpdates.WithLabelValues("ws_outbox").Inc()
		ws.log.Warn("outbox full, dropping frame", zap.Int("bytes", len(data)))
	}
}

// Connect dials the endpoint and starts the read and write loops. It
// returns once the first connection is up.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.cancel()
		return err
	}
	ws.setConn(conn)

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)
	return nil
}

// Close stops the client and closes every subscriber channel. It is safe
// to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()
		ws.circuit.Store(int32(CircuitOpen))

		ws.subMu.Lock()
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		close(ws.done)
	})
}

// Done is closed when Close has finished.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

func (ws *WSClient) current() *websocket.Conn {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.conn
}

func (ws *WSClient) setConn(c *websocket.Conn) {
	ws.mu.Lock()
	ws.conn = c
	ws.mu.Unlock()
	ws.circuit.Store(int32(CircuitClosed))
}

// dial opens a connection with TCP_NODELAY set and the read limit and pong
// handler installed.
func (ws *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:    ws.cfg.ReadBufferSize,
		WriteBufferSize:   ws.cfg.WriteBufferSize,
		EnableCompression: ws.cfg.Compression,
		HandshakeTimeout:  ws.cfg.HeartbeatTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	headers := ws.cfg.Headers
	if ws.cfg.HeaderFunc != nil {
		h, err := ws.cfg.HeaderFunc()
		if err != nil {
			return nil, fmt.Errorf("ws: handshake headers: %w", err)
		}
		headers = h
	}

	ws.mu.RLock()
	url := ws.url
	ws.mu.RUnlock()

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	if ws.cfg.ReadLimit > 0 {
		conn.SetReadLimit(ws.cfg.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
	})
	return conn, nil
}

// reconnect opens the circuit and redials with exponential backoff until
// it succeeds or ctx is done.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.circuit.Store(int32(CircuitOpen))

	delay := ws.cfg.BackoffInitial
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := ws.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			ws.log.Warn("reconnect failed",
				zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
			delay = ws.cfg.nextDelay(delay)
			continue
		}

		ws.setConn(conn)
		ws.reconnects.Add(1)
		metrics.WSReconnects.WithLabelValues(string(ws.cfg.Exchange)).Inc()
		ws.log.Info("reconnected", zap.Int("attempts", attempt))

		ws.hookMu.Lock()
		hooks := append([]func(){}, ws.hooks...)
		ws.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		return true
	}
}

// readLoop owns reconnection: any read error, including a missed
// heartbeat, drops the connection and redials.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		c := ws.current()
		_ = c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				ws.log.Warn("heartbeat missed, reconnecting", zap.Duration("timeout", ws.cfg.HeartbeatTimeout))
			} else {
				ws.log.Warn("read error, reconnecting", zap.Error(err))
			}
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}
		ws.fanOut(msg)
	}
}

// writeLoop drains the outbox and sends pings. A failed write closes the
// connection so that the read loop reconnects.
func (ws *WSClient) writeLoop(ctx context.Context) {
	var ping <-chan time.Time
	if ws.cfg.PingInterval > 0 {
		t := time.NewTicker(ws.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			c := ws.current()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Warn("write error", zap.Error(err))
				c.Close()
			}
		case <-ping:
			if ws.Circuit() != CircuitClosed {
				continue
			}
			c := ws.current()
			deadline := time.Now().Add(ws.cfg.HeartbeatTimeout)
			if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ws.log.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// fanOut delivers msg to every subscriber without blocking.
func (ws *WSClient) fanOut(msg []byte) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, ch := range ws.subs {
		select {
		case ch <- msg:
		default:
			metrics.DroppedUpdates.WithLabelValues("ws").Inc()
		}
	}
}
