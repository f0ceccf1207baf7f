package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStream(t *testing.T, sm *StreamManager, exchange Exchange, name, url string) *Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	s, err := sm.Open(ctx, StreamConfig{Exchange: exchange, Name: name, URL: url})
	require.NoError(t, err)
	return s
}

func expectFrame(t *testing.T, s *Stream, want string) {
	t.Helper()
	select {
	case msg := <-s.Messages():
		assert.Equal(t, want, string(msg))
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestStreamManager_OpenGetSend(t *testing.T) {
	srv := wsServer(t, echo)
	defer srv.Close()
	sm := NewStreamManager(nil)
	defer sm.CloseAll()

	s := openStream(t, sm, ExchangeBinance, "depth", wsURL(srv))
	assert.Same(t, s, sm.Get(ExchangeBinance, "depth"))
	assert.Nil(t, sm.Get(ExchangeBinance, "trades"))
	assert.Nil(t, sm.Get(ExchangeKalshi, "depth"), "keys include the exchange")

	require.NoError(t, sm.Send(ExchangeBinance, "depth", []byte("ping")))
	expectFrame(t, s, "ping")
	assert.Error(t, sm.Send(ExchangeBinance, "trades", []byte("x")))
}

func TestStreamManager_ReopenReplaces(t *testing.T) {
	srv := wsServer(t, echo)
	defer srv.Close()
	sm := NewStreamManager(nil)
	defer sm.CloseAll()

	first := openStream(t, sm, ExchangePolymarket, "market", wsURL(srv))
	second := openStream(t, sm, ExchangePolymarket, "market", wsURL(srv))

	assert.Same(t, second, sm.Get(ExchangePolymarket, "market"))
	select {
	case <-first.Client().Done():
	case <-time.After(time.Second):
		t.Fatal("replaced stream not closed")
	}
}

func TestStreamManager_Close(t *testing.T) {
	srv := wsServer(t, echo)
	defer srv.Close()
	sm := NewStreamManager(nil)

	s := openStream(t, sm, ExchangeKalshi, "market", wsURL(srv))
	msgs := s.Messages()
	sm.Close(ExchangeKalshi, "market")
	sm.Close(ExchangeKalshi, "market")

	assert.Nil(t, sm.Get(ExchangeKalshi, "market"))
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-msgs:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "messages channel closed")
	assert.Error(t, sm.Send(ExchangeKalshi, "market", []byte("x")))
}

func TestStreamManager_StreamsAreIsolated(t *testing.T) {
	srv := wsServer(t, echo)
	defer srv.Close()
	sm := NewStreamManager(nil)
	defer sm.CloseAll()

	btc := openStream(t, sm, ExchangeBinance, "BTCUSDT", wsURL(srv))
	eth := openStream(t, sm, ExchangeBinance, "ETHUSDT", wsURL(srv))

	btc.Send([]byte("btc-only"))
	expectFrame(t, btc, "btc-only")

	select {
	case msg := <-eth.Messages():
		t.Fatalf("ETHUSDT received %q", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStreamManager_HeaderFunc(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Signed")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		readOnly(c)
	}))
	defer srv.Close()

	sm := NewStreamManager(nil)
	defer sm.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := sm.Open(ctx, StreamConfig{
		Exchange: ExchangeKalshi,
		Name:     "market",
		URL:      wsURL(srv),
		HeaderFunc: func() (http.Header, error) {
			return http.Header{"X-Signed": []string{"sig-1"}}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", <-got)
}
