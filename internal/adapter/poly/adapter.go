package poly

import (
	"bytes"
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

// Polymarket quotes outcome tokens in 0..1 with up to four decimals and
// reports absolute sizes.
type (
	Snapshot = book.Snapshot[book.Price4, book.Qty]
	Diff     = book.Diff[book.Price4, book.Qty, book.Qty]
	Message  = book.Message[book.Price4, book.Qty, book.Qty]
	Level    = book.Level[book.Price4, book.Qty]
)

// Tick is the finest Polymarket tick, 0.001.
const Tick book.Price4 = 10

// Polymarket market-channel subscription message.
type subscribeMsg struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// rawEvent covers book and price_change events. Older price_change events
// carry one asset with changes; newer ones carry price_changes, each
// naming its asset.
type rawEvent struct {
	EventType    string           `json:"event_type"`
	AssetID      string           `json:"asset_id"`
	Market       string           `json:"market"`
	Bids         []rawPriceLevel  `json:"bids"`
	Asks         []rawPriceLevel  `json:"asks"`
	Changes      []rawChange      `json:"changes"`
	PriceChanges []rawAssetChange `json:"price_changes"`
	Timestamp    string           `json:"timestamp"`
}

type rawPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

type rawAssetChange struct {
	AssetID string `json:"asset_id"`
	rawChange
}

// assetState numbers the messages of one asset. Polymarket has no sequence
// numbers, so the stream is gapless by construction and ids only order
// snapshots against changes.
type assetState struct {
	last      uint64
	live      bool
	requested time.Time
}

// Adapter decodes the Polymarket CLOB market channel into book messages,
// one feed per asset id.
type Adapter struct {
	conn adapter.Conn
	log  *zap.Logger

	mu     sync.Mutex
	assets map[string]*assetState
	feeds  map[string]chan Message

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
		log:             log.Named("poly"),
		assets:          make(map[string]*assetState),
		feeds:           make(map[string]chan Message),
		resnapshotEvery: time.Second,
		nowFunc:         time.Now,
	}
	conn.OnReconnect(a.resubscribeAll)
	return a
}

// Feed registers assetID and returns the channel its messages are
// delivered on. Call before Run. The channel is closed when Run returns.
func (a *Adapter) Feed(assetID string) <-chan Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan Message, 1024)
	a.feeds[assetID] = ch
	a.assets[assetID] = &assetState{}
	return ch
}

// Subscribe sends a market-channel subscription for the given token ids.
func (a *Adapter) Subscribe(assetIDs ...string) {
	msg, _ := json.Marshal(subscribeMsg{
		Type:      "market",
		AssetsIDs: assetIDs,
	})
	a.conn.Send(msg)
}

// Source returns the snapshot source for assetID's reconciler. A fetch
// re-sends the subscription, which makes the venue push a fresh book.
func (a *Adapter) Source(assetID string) reconcile.Source[Snapshot] {
	return reconcile.SourceFunc[Snapshot](func(context.Context) (Snapshot, error) {
		a.resnapshot(assetID)
		return Snapshot{}, reconcile.ErrSnapshotPending
	})
}

func (a *Adapter) resnapshot(assetID string) {
	a.mu.Lock()
	st, ok := a.assets[assetID]
	if !ok {
		a.mu.Unlock()
		return
	}
	now := a.nowFunc()
	if !st.requested.IsZero() && now.Sub(st.requested) < a.resnapshotEvery {
		a.mu.Unlock()
		return
	}
	st.requested = now
	a.mu.Unlock()

	a.Subscribe(assetID)
}

func (a *Adapter) resubscribeAll() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.assets))
	for id, st := range a.assets {
		st.live = false
		ids = append(ids, id)
	}
	a.mu.Unlock()

	if len(ids) > 0 {
		a.Subscribe(ids...)
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
	for id, ch := range a.feeds {
		close(ch)
		delete(a.feeds, id)
	}
}

type routed struct {
	assetID string
	msg     Message
}

func (a *Adapter) handleMessage(ctx context.Context, raw []byte) {
	out, err := a.decode(raw)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(string(adapter.ExchangePolymarket)).Inc()
		a.log.Warn("dropping malformed message", zap.Error(err))
	}

	for _, r := range out {
		a.mu.Lock()
		ch := a.feeds[r.assetID]
		a.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case ch <- r.msg:
		case <-ctx.Done():
			return
		}
	}
}

// decode handles one frame, which is either a single event or an array of
// events. Messages decoded before a malformed event are still returned.
func (a *Adapter) decode(raw []byte) ([]routed, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var events []rawEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("poly: invalid JSON: %w", err)
		}
		var out []routed
		for _, ev := range events {
			r, err := a.decodeEvent(ev)
			if err != nil {
				return out, err
			}
			out = append(out, r...)
		}
		return out, nil
	}

	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("poly: invalid JSON: %w", err)
	}
	return a.decodeEvent(ev)
}

func (a *Adapter) decodeEvent(ev rawEvent) ([]routed, error) {
	switch ev.EventType {
	case "book":
		bids, err := parseLevels(ev.Bids)
		if err != nil {
			return nil, fmt.Errorf("poly: %s book bids: %w", ev.AssetID, err)
		}
		asks, err := parseLevels(ev.Asks)
		if err != nil {
			return nil, fmt.Errorf("poly: %s book asks: %w", ev.AssetID, err)
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		st, ok := a.assets[ev.AssetID]
		if !ok {
			return nil, nil
		}
		st.last++
		st.live = true
		return []routed{{
			assetID: ev.AssetID,
			msg:     Message{Snapshot: &Snapshot{LastUpdateID: st.last, Bids: bids, Asks: asks}},
		}}, nil

	case "price_change":
		changes := make(map[string][]rawChange)
		var order []string
		add := func(id string, c rawChange) {
			if _, seen := changes[id]; !seen {
				order = append(order, id)
			}
			changes[id] = append(changes[id], c)
		}
		for _, c := range ev.Changes {
			add(ev.AssetID, c)
		}
		for _, c := range ev.PriceChanges {
			add(c.AssetID, c.rawChange)
		}

		var out []routed
		for _, id := range order {
			r, ok, err := a.decodeChanges(id, changes[id])
			if err != nil {
				return out, err
			}
			if ok {
				out = append(out, r)
			}
		}
		return out, nil
	}
	return nil, nil
}

func (a *Adapter) decodeChanges(assetID string, changes []rawChange) (routed, bool, error) {
	diff := &Diff{}
	for _, c := range changes {
		l, err := parseLevel(c.Price, c.Size)
		if err != nil {
			return routed{}, false, fmt.Errorf("poly: %s price_change: %w", assetID, err)
		}
		switch c.Side {
		case "BUY", "buy":
			diff.Bids = append(diff.Bids, l)
		case "SELL", "sell":
			diff.Asks = append(diff.Asks, l)
		default:
			return routed{}, false, fmt.Errorf("poly: %s price_change side %q", assetID, c.Side)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.assets[assetID]
	if !ok || !st.live {
		return routed{}, false, nil
	}
	st.last++
	diff.FirstUpdateID, diff.LastUpdateID = st.last, st.last
	return routed{assetID: assetID, msg: Message{Diff: diff}}, true, nil
}

func parseLevels(raw []rawPriceLevel) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, r := range raw {
		l, err := parseLevel(r.Price, r.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func parseLevel(price, size string) (Level, error) {
	p, err := adapter.ParseFixed[book.E4](price)
	if err != nil {
		return Level{}, err
	}
	q, err := adapter.ParseQty(size)
	if err != nil {
		return Level{}, err
	}
	return Level{Price: p, Amount: q}, nil
}
