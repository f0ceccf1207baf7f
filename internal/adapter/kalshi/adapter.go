package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter"
	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/metrics"
	"github.com/caesar-terminal/depth/internal/reconcile"
)

// Kalshi quotes binary contracts in whole cents and sizes in contracts.
type (
	Snapshot = book.Snapshot[book.Cents, book.Lots]
	Diff     = book.Diff[book.Cents, book.Lots, int64]
	Message  = book.Message[book.Cents, book.Lots, int64]
)

// Tick is one cent.
const Tick book.Cents = 1

// maxCents is the payout of a contract; a NO bid at c is a YES ask at
// maxCents-c.
const maxCents = 100

// command is the Kalshi WebSocket command envelope.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels     []string `json:"channels,omitempty"`
	MarketTicker string   `json:"market_ticker,omitempty"`
	SIDs         []int    `json:"sids,omitempty"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	Type string `json:"type"`
}

type rawSnapshot struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  uint64 `json:"seq"`
	Msg  struct {
		MarketTicker string     `json:"market_ticker"`
		Yes          [][2]int64 `json:"yes"`
		No           [][2]int64 `json:"no"`
	} `json:"msg"`
}

type rawDelta struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  uint64 `json:"seq"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		Price        int64  `json:"price"`
		Delta        int64  `json:"delta"`
		Side         string `json:"side"`
	} `json:"msg"`
}

// tickerState maps Kalshi's per-subscription seq onto one increasing update
// id space per ticker. Every subscription starts with a snapshot, and ids of
// a new subscription begin past every id already emitted, so an in-band
// snapshot always supersedes whatever the reconciler has buffered.
type tickerState struct {
	sid       int
	base      uint64
	last      uint64
	live      bool // a snapshot for sid has been seen
	requested time.Time
}

// Adapter decodes the orderbook_delta channel into book messages, one feed
// per market ticker.
type Adapter struct {
	conn adapter.Conn
	log  *zap.Logger

	mu      sync.Mutex
	cmdID   int
	tickers map[string]*tickerState
	feeds   map[string]chan Message

	resnapshotEvery time.Duration
	nowFunc         func() time.Time
}

// New creates an Adapter on conn. Subscriptions are re-sent after every
// reconnect.
func New(conn adapter.Conn, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		conn:            conn,
		log:             log.Named("kalshi"),
		tickers:         make(map[string]*tickerState),
		feeds:           make(map[string]chan Message),
		resnapshotEvery: time.Second,
		nowFunc:         time.Now,
	}
	conn.OnReconnect(a.resubscribeAll)
	return a
}

// Feed registers ticker and returns the channel its messages are delivered
// on. Call before Run. The channel is closed when Run returns.
func (a *Adapter) Feed(ticker string) <-chan Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan Message, 1024)
	a.feeds[ticker] = ch
	a.tickers[ticker] = &tickerState{}
	return ch
}

// Subscribe sends an orderbook_delta subscription for ticker.
func (a *Adapter) Subscribe(ticker string) {
	a.mu.Lock()
	a.subscribeLocked(ticker)
	a.mu.Unlock()
}

func (a *Adapter) subscribeLocked(ticker string) {
	a.sendLocked("subscribe", commandParams{
		Channels:     []string{"orderbook_delta"},
		MarketTicker: ticker,
	})
}

func (a *Adapter) sendLocked(cmd string, params commandParams) {
	a.cmdID++
	msg, _ := json.Marshal(command{ID: a.cmdID, Cmd: cmd, Params: params})
	a.conn.Send(msg)
}

// Source returns the snapshot source for ticker's reconciler. A fetch
// restarts the subscription and reports the snapshot as pending; it
// arrives in-band.
func (a *Adapter) Source(ticker string) reconcile.Source[Snapshot] {
	return reconcile.SourceFunc[Snapshot](func(context.Context) (Snapshot, error) {
		a.Resnapshot(ticker)
		return Snapshot{}, reconcile.ErrSnapshotPending
	})
}

// Resnapshot restarts ticker's subscription, at most once per second.
func (a *Adapter) Resnapshot(ticker string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.tickers[ticker]
	if !ok {
		return
	}
	now := a.nowFunc()
	if !st.requested.IsZero() && now.Sub(st.requested) < a.resnapshotEvery {
		return
	}
	st.requested = now

	if st.live {
		a.sendLocked("unsubscribe", commandParams{SIDs: []int{st.sid}})
	}
	st.live = false
	a.subscribeLocked(ticker)
	a.log.Info("resubscribing for snapshot", zap.String("ticker", ticker))
}

func (a *Adapter) resubscribeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ticker, st := range a.tickers {
		st.live = false
		a.subscribeLocked(ticker)
	}
}

// Run decodes inbound messages and delivers them to their feeds. It blocks
// until ctx is cancelled or the connection is closed.
func (a *Adapter) Run(ctx context.Context) {
	defer a.closeFeeds()

	msgs := a.conn.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			a.handleMessage(ctx, raw)
		}
	}
}

func (a *Adapter) closeFeeds() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ticker, ch := range a.feeds {
		close(ch)
		delete(a.feeds, ticker)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, raw []byte) {
	ticker, msg, ok, err := a.decode(raw)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(string(adapter.ExchangeKalshi)).Inc()
		a.log.Warn("dropping malformed message", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	a.mu.Lock()
	ch := a.feeds[ticker]
	a.mu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

// decode returns ok=false for messages that carry no book data for a
// registered ticker.
func (a *Adapter) decode(raw []byte) (string, Message, bool, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", Message{}, false, fmt.Errorf("kalshi: invalid JSON: %w", err)
	}

	switch env.Type {
	case "orderbook_snapshot":
		var snap rawSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return "", Message{}, false, fmt.Errorf("kalshi: parse snapshot: %w", err)
		}
		return a.decodeSnapshot(snap)
	case "orderbook_delta":
		var delta rawDelta
		if err := json.Unmarshal(raw, &delta); err != nil {
			return "", Message{}, false, fmt.Errorf("kalshi: parse delta: %w", err)
		}
		return a.decodeDelta(delta)
	case "error":
		a.log.Warn("exchange error", zap.ByteString("msg", raw))
	}
	return "", Message{}, false, nil
}

func (a *Adapter) decodeSnapshot(snap rawSnapshot) (string, Message, bool, error) {
	ticker := snap.Msg.MarketTicker

	bids := make([]book.Level[book.Cents, book.Lots], 0, len(snap.Msg.Yes))
	for _, l := range snap.Msg.Yes {
		if err := checkLevel(l[0], l[1]); err != nil {
			return "", Message{}, false, fmt.Errorf("kalshi: %s snapshot yes: %w", ticker, err)
		}
		bids = append(bids, book.Level[book.Cents, book.Lots]{Price: book.Cents(l[0]), Amount: book.Lots(l[1])})
	}
	asks := make([]book.Level[book.Cents, book.Lots], 0, len(snap.Msg.No))
	for _, l := range snap.Msg.No {
		if err := checkLevel(l[0], l[1]); err != nil {
			return "", Message{}, false, fmt.Errorf("kalshi: %s snapshot no: %w", ticker, err)
		}
		asks = append(asks, book.Level[book.Cents, book.Lots]{Price: book.Cents(maxCents - l[0]), Amount: book.Lots(l[1])})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.tickers[ticker]
	if !ok {
		return "", Message{}, false, nil
	}
	st.sid = snap.SID
	st.base = st.last
	st.last = st.base + snap.Seq
	st.live = true

	return ticker, Message{Snapshot: &Snapshot{LastUpdateID: st.last, Bids: bids, Asks: asks}}, true, nil
}

func (a *Adapter) decodeDelta(delta rawDelta) (string, Message, bool, error) {
	ticker := delta.Msg.MarketTicker
	price := delta.Msg.Price
	if price <= 0 || price >= maxCents {
		return "", Message{}, false, fmt.Errorf("kalshi: %s delta price %d out of range", ticker, price)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.tickers[ticker]
	if !ok || !st.live || delta.SID != st.sid {
		// Before the first snapshot or from a subscription being replaced.
		return "", Message{}, false, nil
	}
	id := st.base + delta.Seq
	if id > st.last {
		st.last = id
	}

	diff := &Diff{FirstUpdateID: id, LastUpdateID: id}
	switch delta.Msg.Side {
	case "yes":
		diff.BidDeltas = []book.Delta[book.Cents, int64]{{Price: book.Cents(price), Delta: delta.Msg.Delta}}
	case "no":
		diff.AskDeltas = []book.Delta[book.Cents, int64]{{Price: book.Cents(maxCents - price), Delta: delta.Msg.Delta}}
	default:
		return "", Message{}, false, fmt.Errorf("kalshi: %s delta side %q", ticker, delta.Msg.Side)
	}
	return ticker, Message{Diff: diff}, true, nil
}

func checkLevel(price, qty int64) error {
	if price <= 0 || price >= maxCents {
		return fmt.Errorf("price %d out of range", price)
	}
	if qty < 0 {
		return fmt.Errorf("negative size %d at %d", qty, price)
	}
	return nil
}
