// Package binance decodes the Binance spot diff-depth stream and fetches
// REST depth snapshots to rebase it.
package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter"
	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/metrics"
)

// Binance reports absolute level sizes as decimal strings.
type (
	Snapshot = book.Snapshot[book.Float, book.Qty]
	Diff     = book.Diff[book.Float, book.Qty, book.Qty]
	Message  = book.Message[book.Float, book.Qty, book.Qty]
	Level    = book.Level[book.Float, book.Qty]
)

// streamSuffix selects the 100ms diff-depth stream.
const streamSuffix = "@depth@100ms"

// StreamName returns the diff-depth stream name for symbol.
func StreamName(symbol string) string {
	return strings.ToLower(symbol) + streamSuffix
}

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// rawDepthUpdate is a depthUpdate event. Levels are [price, qty] pairs.
type rawDepthUpdate struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   uint64      `json:"U"`
	LastID    uint64      `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// combined wraps events on /stream connections.
type combined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Adapter routes depthUpdate events to one feed per symbol. The stream has
// no in-band snapshots; the reconciler fetches them over REST.
type Adapter struct {
	conn adapter.Conn
	log  *zap.Logger

	mu    sync.Mutex
	reqID int
	feeds map[string]chan Message
}

// New creates an Adapter on conn. Subscriptions are re-sent after every
// reconnect. Ids continue across the reconnect, so the reconciler sees the
// missed range as a gap and rebases.
func New(conn adapter.Conn, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		conn:  conn,
		log:   log.Named("binance"),
		feeds: make(map[string]chan Message),
	}
	conn.OnReconnect(a.resubscribeAll)
	return a
}

// Feed registers symbol and returns the channel its diffs are delivered
// on. Call before Run. The channel is closed when Run returns.
func (a *Adapter) Feed(symbol string) <-chan Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan Message, 1024)
	a.feeds[strings.ToUpper(symbol)] = ch
	return ch
}

// Subscribe sends a SUBSCRIBE request for the symbols' diff-depth streams.
func (a *Adapter) Subscribe(symbols ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribeLocked(symbols)
}

func (a *Adapter) subscribeLocked(symbols []string) {
	params := make([]string, len(symbols))
	for i, s := range symbols {
		params[i] = StreamName(s)
	}
	a.reqID++
	msg, _ := json.Marshal(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: a.reqID})
	a.conn.Send(msg)
}

func (a *Adapter) resubscribeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	symbols := make([]string, 0, len(a.feeds))
	for s := range a.feeds {
		symbols = append(symbols, s)
	}
	if len(symbols) > 0 {
		a.subscribeLocked(symbols)
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
	for s, ch := range a.feeds {
		close(ch)
		delete(a.feeds, s)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, raw []byte) {
	symbol, diff, ok, err := Decode(raw)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(string(adapter.ExchangeBinance)).Inc()
		a.log.Warn("dropping malformed message", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	a.mu.Lock()
	ch := a.feeds[symbol]
	a.mu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- Message{Diff: diff}:
	case <-ctx.Done():
	}
}

// Decode parses a depthUpdate event, bare or wrapped in a combined-stream
// envelope. ok is false for other messages such as subscription acks.
func Decode(raw []byte) (symbol string, diff *Diff, ok bool, err error) {
	raw = bytes.TrimSpace(raw)
	if bytes.HasPrefix(raw, []byte(`{"stream"`)) {
		var c combined
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", nil, false, fmt.Errorf("binance: invalid JSON: %w", err)
		}
		raw = c.Data
	}

	var ev rawDepthUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", nil, false, fmt.Errorf("binance: invalid JSON: %w", err)
	}
	if ev.Event != "depthUpdate" {
		return "", nil, false, nil
	}
	if ev.FirstID == 0 || ev.LastID < ev.FirstID {
		return "", nil, false, fmt.Errorf("binance: %s update range [%d, %d]", ev.Symbol, ev.FirstID, ev.LastID)
	}

	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return "", nil, false, fmt.Errorf("binance: %s bids: %w", ev.Symbol, err)
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return "", nil, false, fmt.Errorf("binance: %s asks: %w", ev.Symbol, err)
	}

	return ev.Symbol, &Diff{
		FirstUpdateID: ev.FirstID,
		LastUpdateID:  ev.LastID,
		Bids:          bids,
		Asks:          asks,
	}, true, nil
}

func parseLevels(raw [][2]string) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, r := range raw {
		px, err := adapter.ParseFloat(r[0])
		if err != nil {
			return nil, err
		}
		qty, err := adapter.ParseQty(r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, Level{Price: px, Amount: qty})
	}
	return out, nil
}
