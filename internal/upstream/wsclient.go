package upstream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wireFrame is the provider's wire message: a chart update, an error, or a
// symbol-loaded notification, addressed by the chart id the provider
// assigned when the chart subscribed.
type wireFrame struct {
	Type     string  `json:"type"`
	ChartID  string  `json:"chartId"`
	Period   *Period `json:"period,omitempty"`
	ErrorMsg string  `json:"error,omitempty"`
}

// WSClient is the default Client implementation: it dials a single
// WebSocket session against the upstream provider and multiplexes any
// number of logical chart subscriptions over that one connection.
type WSClient struct {
	url    string
	cfg    Config
	dialer *websocket.Dialer
}

// NewWSClient builds a default Client talking WebSocket JSON frames to url.
func NewWSClient(url string, cfg Config) *WSClient {
	dialer := &websocket.Dialer{
		HandshakeTimeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}
	if cfg.Proxy != "" {
		if proxyURL, err := url2(cfg.Proxy); err == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &WSClient{url: url, cfg: cfg, dialer: dialer}
}

func url2(raw string) (*url.URL, error) { return url.Parse(raw) }

func (c *WSClient) Connect(ctx context.Context) (Session, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upstream: dial failed")
	}

	sess := &wsSession{
		conn:   conn,
		charts: make(map[string]*wsChart),
		done:   make(chan struct{}),
	}
	go sess.readLoop()
	return sess, nil
}

type wsSession struct {
	conn *websocket.Conn

	mu     sync.Mutex
	charts map[string]*wsChart
	done   chan struct{}
	ended  bool
}

func (s *wsSession) Chart() (Chart, error) {
	id := newChartID()
	ch := &wsChart{id: id, session: s}
	s.mu.Lock()
	s.charts[id] = ch
	s.mu.Unlock()
	return ch, nil
}

func (s *wsSession) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()
	close(s.done)
	return s.conn.Close()
}

func (s *wsSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.dispatchError(err)
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		s.dispatch(frame)
	}
}

func (s *wsSession) dispatch(frame wireFrame) {
	s.mu.Lock()
	ch, ok := s.charts[frame.ChartID]
	s.mu.Unlock()
	if !ok {
		return
	}
	switch frame.Type {
	case "update":
		if frame.Period != nil {
			ch.setLatest(*frame.Period)
			ch.fireUpdate()
		}
	case "symbol_loaded":
		ch.fireSymbolLoaded()
	case "error":
		ch.fireError(errors.New(frame.ErrorMsg))
	}
}

// dispatchError fans a connection-level read error out to every live chart's
// error callback, since a dead socket affects all of them simultaneously.
func (s *wsSession) dispatchError(err error) {
	s.mu.Lock()
	charts := make([]*wsChart, 0, len(s.charts))
	for _, ch := range s.charts {
		charts = append(charts, ch)
	}
	s.mu.Unlock()
	for _, ch := range charts {
		ch.fireError(err)
	}
}

func (s *wsSession) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return errors.New("upstream: session closed")
	}
	return s.conn.WriteJSON(v)
}

type wsChart struct {
	id      string
	session *wsSession

	mu         sync.Mutex
	onError    func(args ...interface{})
	onLoaded   func()
	onUpdate   func()
	latest     []Period
	deleted    bool
}

func (c *wsChart) OnError(cb func(args ...interface{})) {
	c.mu.Lock()
	c.onError = cb
	c.mu.Unlock()
}

func (c *wsChart) OnSymbolLoaded(cb func()) {
	c.mu.Lock()
	c.onLoaded = cb
	c.mu.Unlock()
}

func (c *wsChart) OnUpdate(cb func()) {
	c.mu.Lock()
	c.onUpdate = cb
	c.mu.Unlock()
}

func (c *wsChart) SetMarket(symbol string, opts MarketOptions) error {
	return c.session.send(map[string]interface{}{
		"type":      "set_market",
		"chartId":   c.id,
		"symbol":    symbol,
		"timeframe": opts.Timeframe,
	})
}

func (c *wsChart) Periods() []Period {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *wsChart) Delete() error {
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
	c.session.mu.Lock()
	delete(c.session.charts, c.id)
	c.session.mu.Unlock()
	return c.session.send(map[string]interface{}{
		"type":    "delete_chart",
		"chartId": c.id,
	})
}

func (c *wsChart) setLatest(p Period) {
	c.mu.Lock()
	c.latest = []Period{p}
	c.mu.Unlock()
}

func (c *wsChart) fireUpdate() {
	c.mu.Lock()
	cb := c.onUpdate
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *wsChart) fireSymbolLoaded() {
	c.mu.Lock()
	cb := c.onLoaded
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *wsChart) fireError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func newChartID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
