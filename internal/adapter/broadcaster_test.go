package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanProvider is an UpdatesProvider over a plain channel.
type chanProvider chan TopOfBook

func (p chanProvider) Updates() <-chan TopOfBook { return p }

func recv(t *testing.T, ch <-chan TopOfBook) TopOfBook {
	t.Helper()
	select {
	case tob, ok := <-ch:
		require.True(t, ok, "channel closed")
		return tob
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a copy")
		return TopOfBook{}
	}
}

func startBroadcaster(t *testing.T, bc *Broadcaster) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go bc.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

func TestBroadcaster_Routes(t *testing.T) {
	binance, kalshi := make(chanProvider, 8), make(chanProvider, 8)
	bc := NewBroadcaster(nil)
	bc.Register(binance)
	bc.Register(kalshi)

	all := bc.SubscribeAll()
	btc := bc.Subscribe(ExchangeBinance, "BTCUSDT")
	pres := bc.Subscribe(ExchangeKalshi, "PRES-24")
	startBroadcaster(t, bc)

	binance <- TopOfBook{Exchange: ExchangeBinance, Symbol: "BTCUSDT", LastUpdateID: 1}
	binance <- TopOfBook{Exchange: ExchangeBinance, Symbol: "ETHUSDT", LastUpdateID: 2}
	kalshi <- TopOfBook{Exchange: ExchangeKalshi, Symbol: "PRES-24", LastUpdateID: 3}

	assert.Equal(t, uint64(1), recv(t, btc).LastUpdateID)
	assert.Equal(t, uint64(3), recv(t, pres).LastUpdateID)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[recv(t, all).Key()] = true
	}
	assert.Equal(t, map[string]bool{
		"binance:BTCUSDT": true,
		"binance:ETHUSDT": true,
		"kalshi:PRES-24":  true,
	}, seen)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, btc, "ETHUSDT is not routed to BTCUSDT")
}

func TestBroadcaster_FullSubscriberDoesNotBlock(t *testing.T) {
	src := make(chanProvider, bookBuffer+8)
	bc := NewBroadcaster(nil)
	bc.Register(src)

	slow := bc.Subscribe(ExchangeBinance, "SLOW")
	fast := bc.Subscribe(ExchangeBinance, "FAST")
	startBroadcaster(t, bc)

	for i := 0; i < bookBuffer+4; i++ {
		src <- TopOfBook{Exchange: ExchangeBinance, Symbol: "SLOW", LastUpdateID: uint64(i)}
	}
	src <- TopOfBook{Exchange: ExchangeBinance, Symbol: "FAST", LastUpdateID: 999}

	assert.Equal(t, uint64(999), recv(t, fast).LastUpdateID)
	assert.Len(t, slow, bookBuffer)
}

func TestBroadcaster_RunClosesSubscribers(t *testing.T) {
	src := make(chanProvider)
	bc := NewBroadcaster(nil)
	bc.Register(src)
	all := bc.SubscribeAll()
	one := bc.Subscribe(ExchangePolymarket, "123")

	done := make(chan struct{})
	go func() {
		bc.Run(context.Background())
		close(done)
	}()
	close(src)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after its only source closed")
	}
	_, ok := <-all
	assert.False(t, ok)
	_, ok = <-one
	assert.False(t, ok)

	_, ok = <-bc.SubscribeAll()
	assert.False(t, ok, "late subscribers get a closed channel")
}

func TestTopOfBook_KeyAndBest(t *testing.T) {
	top := TopOfBook{
		Exchange: ExchangeNasdaq,
		Symbol:   "AAPL",
		Bids:     []PriceLevel{{Price: 189.5, Size: 300}},
	}
	assert.Equal(t, "nasdaq:AAPL", top.Key())

	bid, ok := top.BestBid()
	require.True(t, ok)
	assert.Equal(t, 189.5, bid.Price)

	_, ok = top.BestAsk()
	assert.False(t, ok)
}
