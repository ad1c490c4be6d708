package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"barbroker/internal/model"
)

type fakeBroadcaster struct {
	mu  sync.Mutex
	got []model.Bar
}

func (f *fakeBroadcaster) Broadcast(bar model.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, bar)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestOnBarAlwaysBroadcastsToWebSocket(t *testing.T) {
	ws := &fakeBroadcaster{}
	fo := New(zap.NewNop().Sugar(), ws, nil, nil)

	fo.OnBar(model.Bar{Symbol: "A", Timeframe: "1", Time: 1})

	assert.Equal(t, 1, ws.count())
}

func TestPushSinkRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewPushSink(zap.NewNop().Sugar(), srv.URL, "key", 3, 10*time.Millisecond)
	sink.Push(context.Background(), model.Bar{Symbol: "A", Timeframe: "1", Time: 1})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)
}

func TestPushSinkDropsAfterExhaustingAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewPushSink(zap.NewNop().Sugar(), srv.URL, "key", 2, 5*time.Millisecond)
	sink.Push(context.Background(), model.Bar{Symbol: "A", Timeframe: "1", Time: 1})

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls)) // 1 + attempts(2)
}

func TestFanoutPushFailureNeverBlocksWebSocketBroadcast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ws := &fakeBroadcaster{}
	sink := NewPushSink(zap.NewNop().Sugar(), srv.URL, "key", 3, 200*time.Millisecond)
	fo := New(zap.NewNop().Sugar(), ws, sink, nil)

	start := time.Now()
	fo.OnBar(model.Bar{Symbol: "A", Timeframe: "1", Time: 1})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, ws.count())
}
