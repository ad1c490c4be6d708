package wsserver

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"barbroker/internal/model"
)

// fakeMux is an in-memory stand-in for the Multiplexer interface, counting
// Subscribe calls per key so tests can check how often the Server reaches
// the Multiplexer; Unsubscribe clears a key's count.
type fakeMux struct {
	mu          sync.Mutex
	subscribed  map[model.SubscriptionKey]int
	failNext    bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{subscribed: make(map[model.SubscriptionKey]int)}
}

func (f *fakeMux) Subscribe(key model.SubscriptionKey, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return false
	}
	f.subscribed[key]++
	return true
}

func (f *fakeMux) Unsubscribe(symbol, timeframe string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.NewKey(symbol, timeframe)
	if f.subscribed[key] == 0 {
		return false
	}
	delete(f.subscribed, key)
	return true
}

func (f *fakeMux) List() []model.SubscriptionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]model.SubscriptionKey, 0, len(f.subscribed))
	for k := range f.subscribed {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeMux) subscribeCount(key model.SubscriptionKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[key]
}

func newTestServer(t *testing.T) (*Server, *fakeMux, *httptest.Server) {
	t.Helper()
	mux := newFakeMux()
	srv := New(zap.NewNop().Sugar(), mux)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, mux, hs
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// drain the unsolicited "info" welcome frame
	var info Response
	require.NoError(t, conn.ReadJSON(&info))
	require.Equal(t, "info", info.Type)
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Request) Response {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestSubscribeFirstListenerCreatesUpstream(t *testing.T) {
	_, mux, hs := newTestServer(t)
	conn := dial(t, hs)

	resp := roundTrip(t, conn, Request{Action: "subscribe", Symbol: "BINANCE:BTCUSDT", Timeframe: "1"})
	assert.True(t, resp.Success)
	assert.Equal(t, "Subscription created", resp.Message)
	assert.Equal(t, 1, mux.subscribeCount(model.NewKey("BINANCE:BTCUSDT", "1")))
}

func TestSubscribeSharedAcrossSessions(t *testing.T) {
	_, mux, hs := newTestServer(t)
	a := dial(t, hs)
	b := dial(t, hs)

	respA := roundTrip(t, a, Request{Action: "subscribe", Symbol: "BINANCE:BTCUSDT", Timeframe: "1"})
	assert.Equal(t, "Subscription created", respA.Message)

	respB := roundTrip(t, b, Request{Action: "subscribe", Symbol: "BINANCE:BTCUSDT", Timeframe: "1"})
	assert.Equal(t, "Subscribed (shared)", respB.Message)
	assert.Equal(t, 1, mux.subscribeCount(model.NewKey("BINANCE:BTCUSDT", "1")))
}

func TestSubscribeMissingFieldsErrors(t *testing.T) {
	_, _, hs := newTestServer(t)
	conn := dial(t, hs)

	resp := roundTrip(t, conn, Request{Action: "subscribe", Symbol: "", Timeframe: "1", RequestID: "r1"})
	assert.False(t, resp.Success)
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestSubscribeIdempotentWithinSession(t *testing.T) {
	_, mux, hs := newTestServer(t)
	conn := dial(t, hs)

	roundTrip(t, conn, Request{Action: "subscribe", Symbol: "A", Timeframe: "1"})
	resp := roundTrip(t, conn, Request{Action: "subscribe", Symbol: "A", Timeframe: "1"})

	assert.Equal(t, "Already subscribed", resp.Message)
	assert.Equal(t, 1, mux.subscribeCount(model.NewKey("A", "1")))
}

func TestUnsubscribeNotFound(t *testing.T) {
	_, _, hs := newTestServer(t)
	conn := dial(t, hs)

	resp := roundTrip(t, conn, Request{Action: "unsubscribe", Symbol: "A", Timeframe: "1"})
	assert.False(t, resp.Success)
	assert.Equal(t, "Subscription not found for this client", resp.Message)
}

func TestUnsubscribeLastListenerTearsDownUpstream(t *testing.T) {
	_, mux, hs := newTestServer(t)
	conn := dial(t, hs)

	roundTrip(t, conn, Request{Action: "subscribe", Symbol: "A", Timeframe: "1"})
	resp := roundTrip(t, conn, Request{Action: "unsubscribe", Symbol: "A", Timeframe: "1"})

	assert.True(t, resp.Success)
	assert.Equal(t, "Unsubscribed successfully", resp.Message)
	assert.Equal(t, 0, mux.subscribeCount(model.NewKey("A", "1")))
}

func TestUnknownActionErrors(t *testing.T) {
	_, _, hs := newTestServer(t)
	conn := dial(t, hs)

	resp := roundTrip(t, conn, Request{Action: "frobnicate"})
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Message, "frobnicate")
}

func TestMalformedJSONErrors(t *testing.T) {
	_, _, hs := newTestServer(t)
	conn := dial(t, hs)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))

	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "Invalid JSON message", resp.Message)
	assert.Empty(t, resp.RequestID)
}

func TestSubscribeManyPerPairResults(t *testing.T) {
	_, _, hs := newTestServer(t)
	conn := dial(t, hs)

	resp := roundTrip(t, conn, Request{Action: "subscribe_many", Pairs: []Pair{
		{Symbol: "BINANCE:BTCUSDT", Timeframe: "1"},
		{Symbol: "", Timeframe: ""},
		{Symbol: "X", Timeframe: "5"},
	}})

	require.True(t, resp.Success)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
	assert.Equal(t, "symbol and timeframe required", resp.Results[1].Message)
	assert.True(t, resp.Results[2].Success)
}

func TestDisconnectCleansUpInterest(t *testing.T) {
	srv, mux, hs := newTestServer(t)
	conn := dial(t, hs)

	roundTrip(t, conn, Request{Action: "subscribe", Symbol: "A", Timeframe: "1"})
	conn.Close()

	assert.Eventually(t, func() bool {
		return mux.subscribeCount(model.NewKey("A", "1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return srv.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastDeliversToInterestedSessionsOnly(t *testing.T) {
	srv, _, hs := newTestServer(t)
	a := dial(t, hs)
	b := dial(t, hs)

	roundTrip(t, a, Request{Action: "subscribe", Symbol: "A", Timeframe: "1"})
	roundTrip(t, b, Request{Action: "subscribe", Symbol: "B", Timeframe: "1"})

	srv.Broadcast(model.Bar{Symbol: "A", Timeframe: "1", Time: 1700000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10})

	var got Response
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, a.ReadJSON(&got))
	assert.Equal(t, "bar", got.Type)
	require.NotNil(t, got.Bar)
	assert.Equal(t, "A", got.Bar.Symbol)

	b.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	err := b.ReadJSON(&got)
	assert.Error(t, err) // B never subscribed to A, no bar should arrive
}
