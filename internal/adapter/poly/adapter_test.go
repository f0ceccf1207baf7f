package poly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depth/internal/adapter"
	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/pipeline"
	"github.com/caesar-terminal/depth/internal/reconcile"
)

const testAsset = "71321045679252212594626385532706912750332728571942532289631379312455583992563"

// fakeConn is an in-memory adapter.Conn.
type fakeConn struct {
	mu    sync.Mutex
	sent  []subscribeMsg
	msgs  chan []byte
	hooks []func()
}

func newFakeConn() *fakeConn { return &fakeConn{msgs: make(chan []byte, 64)} }

func (c *fakeConn) Send(data []byte) {
	var m subscribeMsg
	_ = json.Unmarshal(data, &m)
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
}

func (c *fakeConn) Messages() <-chan []byte { return c.msgs }

func (c *fakeConn) OnReconnect(fn func()) { c.hooks = append(c.hooks, fn) }

func (c *fakeConn) subscriptions() []subscribeMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subscribeMsg(nil), c.sent...)
}

func bookEvent(asset string) []byte {
	return []byte(`[{
		"event_type": "book",
		"asset_id": "` + asset + `",
		"market": "0xabc",
		"bids": [{"price": "0.48", "size": "300"}, {"price": "0.45", "size": "150.5"}],
		"asks": [{"price": "0.52", "size": "200"}, {"price": "0.55", "size": "100"}],
		"timestamp": "1700000000000"
	}]`)
}

func priceChange(asset, price, side, size string) []byte {
	return []byte(`{
		"event_type": "price_change",
		"asset_id": "` + asset + `",
		"changes": [{"price": "` + price + `", "side": "` + side + `", "size": "` + size + `"}]
	}`)
}

func TestAdapter_SubscriptionMessage(t *testing.T) {
	conn := newFakeConn()
	a := New(conn, nil)
	a.Feed(testAsset)
	a.Subscribe(testAsset)

	subs := conn.subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "market", subs[0].Type)
	assert.Equal(t, []string{testAsset}, subs[0].AssetsIDs)
}

func TestAdapter_DecodeBook(t *testing.T) {
	a := New(newFakeConn(), nil)
	a.Feed(testAsset)

	out, err := a.decode(bookEvent(testAsset))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, testAsset, out[0].assetID)

	s := out[0].msg.Snapshot
	require.NotNil(t, s)
	assert.Equal(t, uint64(1), s.LastUpdateID)
	assert.Equal(t, []Level{{Price: 4800, Amount: 300}, {Price: 4500, Amount: 150.5}}, s.Bids)
	assert.Equal(t, []Level{{Price: 5200, Amount: 200}, {Price: 5500, Amount: 100}}, s.Asks)
}

func TestAdapter_DecodePriceChange(t *testing.T) {
	a := New(newFakeConn(), nil)
	a.Feed(testAsset)

	// Changes before the first book have nothing to apply to.
	out, err := a.decode(priceChange(testAsset, "0.48", "BUY", "10"))
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = a.decode(bookEvent(testAsset))
	require.NoError(t, err)

	out, err = a.decode(priceChange(testAsset, "0.48", "BUY", "10"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	d := out[0].msg.Diff
	require.NotNil(t, d)
	assert.Equal(t, uint64(2), d.FirstUpdateID)
	assert.Equal(t, uint64(2), d.LastUpdateID)
	assert.Equal(t, []Level{{Price: 4800, Amount: 10}}, d.Bids)

	out, err = a.decode(priceChange(testAsset, "0.52", "SELL", "0"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(3), out[0].msg.Diff.FirstUpdateID)
	assert.Equal(t, []Level{{Price: 5200, Amount: 0}}, out[0].msg.Diff.Asks)

	_, err = a.decode(priceChange(testAsset, "0.52", "HOLD", "1"))
	assert.Error(t, err)
	_, err = a.decode(priceChange(testAsset, "abc", "BUY", "1"))
	assert.Error(t, err)
	_, err = a.decode(priceChange(testAsset, "0.5", "BUY", "-1"))
	assert.Error(t, err)
	_, err = a.decode([]byte(`{"event_type":`))
	assert.Error(t, err)
}

func TestAdapter_DecodeMultiAssetPriceChanges(t *testing.T) {
	a := New(newFakeConn(), nil)
	a.Feed("yes-token")
	a.Feed("no-token")
	_, err := a.decode(bookEvent("yes-token"))
	require.NoError(t, err)
	_, err = a.decode(bookEvent("no-token"))
	require.NoError(t, err)

	out, err := a.decode([]byte(`{
		"event_type": "price_change",
		"market": "0xabc",
		"price_changes": [
			{"asset_id": "yes-token", "price": "0.49", "side": "BUY", "size": "5"},
			{"asset_id": "no-token", "price": "0.51", "side": "SELL", "size": "7"},
			{"asset_id": "yes-token", "price": "0.53", "side": "SELL", "size": "1"},
			{"asset_id": "unknown", "price": "0.5", "side": "BUY", "size": "1"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "yes-token", out[0].assetID)
	assert.Equal(t, []Level{{Price: 4900, Amount: 5}}, out[0].msg.Diff.Bids)
	assert.Equal(t, []Level{{Price: 5300, Amount: 1}}, out[0].msg.Diff.Asks)
	assert.Equal(t, "no-token", out[1].assetID)
	assert.Equal(t, []Level{{Price: 5100, Amount: 7}}, out[1].msg.Diff.Asks)
}

func TestAdapter_SourceResubscribes(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	conn := newFakeConn()
	a := New(conn, nil)
	a.nowFunc = func() time.Time { return clock }
	a.Feed(testAsset)

	_, err := a.Source(testAsset).Fetch(context.Background())
	require.ErrorIs(t, err, reconcile.ErrSnapshotPending)
	require.Len(t, conn.subscriptions(), 1)

	_, _ = a.Source(testAsset).Fetch(context.Background())
	assert.Len(t, conn.subscriptions(), 1, "throttled")

	clock = clock.Add(2 * time.Second)
	_, _ = a.Source(testAsset).Fetch(context.Background())
	assert.Len(t, conn.subscriptions(), 2)
}

func TestAdapter_ReconnectResubscribes(t *testing.T) {
	conn := newFakeConn()
	a := New(conn, nil)
	a.Feed("A")
	a.Feed("B")
	_, err := a.decode(bookEvent("A"))
	require.NoError(t, err)

	require.Len(t, conn.hooks, 1)
	conn.hooks[0]()

	subs := conn.subscriptions()
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, []string{"A", "B"}, subs[0].AssetsIDs)

	// Changes are held back until the new book arrives.
	out, err := a.decode(priceChange("A", "0.4", "BUY", "1"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAdapter_ThroughPipeline(t *testing.T) {
	conn := newFakeConn()
	a := New(conn, nil)
	feed := a.Feed(testAsset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := book.New[book.Price4, book.Qty, book.Qty](book.Config[book.Price4]{Tick: Tick, Depth: 5, Store: book.StorePooled})
	p := pipeline.New(pipeline.Config{Exchange: adapter.ExchangePolymarket, Symbol: testAsset}, b, a.Source(testAsset), nil)

	go a.Run(ctx)
	go p.Run(ctx, feed)

	conn.msgs <- bookEvent(testAsset)
	conn.msgs <- priceChange(testAsset, "0.48", "BUY", "0")
	conn.msgs <- priceChange(testAsset, "0.51", "SELL", "25")

	var last adapter.TopOfBook
	deadline := time.After(2 * time.Second)
	for last.LastUpdateID != 3 {
		select {
		case last = <-p.Updates():
		case <-deadline:
			t.Fatalf("timed out, last update %+v", last)
		}
	}

	assert.Equal(t, []adapter.PriceLevel{{Price: 0.45, Size: 150.5}}, last.Bids)
	assert.Equal(t, []adapter.PriceLevel{{Price: 0.51, Size: 25}, {Price: 0.52, Size: 200}, {Price: 0.55, Size: 100}}, last.Asks)
}

func TestAdapter_OverStream(t *testing.T) {
	captured := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		captured <- msg
		c.WriteMessage(websocket.TextMessage, bookEvent(testAsset))
		select {}
	}))
	defer srv.Close()

	sm := adapter.NewStreamManager(nil)
	defer sm.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := sm.Open(ctx, adapter.StreamConfig{
		Exchange: adapter.ExchangePolymarket,
		Name:     "market",
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	a := New(stream, nil)
	feed := a.Feed(testAsset)
	go a.Run(ctx)
	a.Subscribe(testAsset)

	select {
	case raw := <-captured:
		var sub subscribeMsg
		if err := json.Unmarshal(raw, &sub); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if sub.Type != "market" || len(sub.AssetsIDs) != 1 || sub.AssetsIDs[0] != testAsset {
			t.Fatalf("unexpected subscription %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription message")
	}

	select {
	case msg := <-feed:
		if msg.Snapshot == nil || len(msg.Snapshot.Asks) != 2 {
			t.Fatalf("expected snapshot with 2 asks, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}
