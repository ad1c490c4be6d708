package wsserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"barbroker/internal/metrics"
	"barbroker/internal/model"
)

// Multiplexer is the subset of the subscription multiplexer the client
// front depends on. The Server holds a non-owning reference; only the main
// process owns the concrete Multiplexer.
type Multiplexer interface {
	Subscribe(key model.SubscriptionKey, reason string) bool
	Unsubscribe(symbol, timeframe string) bool
	List() []model.SubscriptionKey
}

// Server accepts WebSocket connections, parses the request protocol, and
// maintains the global InterestIndex mapping key -> interested sessions.
type Server struct {
	log *zap.SugaredLogger
	mux Multiplexer

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]bool
	interest map[model.SubscriptionKey]map[*session]bool
}

// New builds a Server bound to a non-owning Multiplexer reference.
func New(log *zap.SugaredLogger, mux Multiplexer) *Server {
	return &Server{
		log: log,
		mux: mux,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]bool),
		interest: make(map[model.SubscriptionKey]map[*session]bool),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs the
// session's read/write pumps until disconnect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	metrics.WSConnectsTotal.Inc()

	sess := newSession(conn)
	s.register(sess)

	welcome, _ := json.Marshal(Response{Type: "info", Success: true, Message: "Connected to TradingView WebSocket Server"})
	sess.enqueue(welcome)

	go sess.writePump()
	s.readPump(sess)
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()
}

// readPump consumes frames from the transport until it closes, then runs
// disconnect cleanup per invariant I4.
func (s *Server) readPump(sess *session) {
	defer s.disconnect(sess)

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(sess, data)
	}
}

func (s *Server) handleFrame(sess *session, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		metrics.WSErrorsTotal.Inc()
		s.send(sess, errorResponse("", "Invalid JSON message"))
		return
	}

	switch req.Action {
	case actionSubscribe:
		s.send(sess, s.handleSubscribe(sess, req))
	case actionUnsubscribe:
		s.send(sess, s.handleUnsubscribe(sess, req))
	case actionSubscribeMany:
		s.send(sess, s.handleSubscribeMany(sess, req))
	case actionUnsubscribeMany:
		s.send(sess, s.handleUnsubscribeMany(sess, req))
	case actionList:
		s.send(sess, s.handleList(req))
	default:
		metrics.WSErrorsTotal.Inc()
		s.send(sess, errorResponse(req.RequestID, "Unknown action: "+req.Action))
	}
}

func (s *Server) handleSubscribe(sess *session, req Request) Response {
	if req.Symbol == "" || req.Timeframe == "" {
		return errorResponse(req.RequestID, "symbol and timeframe required")
	}
	key := model.NewKey(req.Symbol, req.Timeframe)

	if sess.hasInterest(key) {
		return Response{Type: "subscribe", Success: true, Message: "Already subscribed",
			Symbol: key.Symbol, Timeframe: key.Timeframe, RequestID: req.RequestID}
	}

	firstListener := s.addInterest(key, sess)
	sess.addInterest(key)

	msg := "Subscribed (shared)"
	if firstListener {
		if !s.mux.Subscribe(key, "client") {
			s.removeInterest(key, sess)
			sess.removeInterest(key)
			return errorResponse(req.RequestID, "Failed to create upstream subscription")
		}
		msg = "Subscription created"
	}

	return Response{Type: "subscribe", Success: true, Message: msg,
		Symbol: key.Symbol, Timeframe: key.Timeframe, RequestID: req.RequestID}
}

func (s *Server) handleUnsubscribe(sess *session, req Request) Response {
	if req.Symbol == "" || req.Timeframe == "" {
		return errorResponse(req.RequestID, "symbol and timeframe required")
	}
	key := model.NewKey(req.Symbol, req.Timeframe)

	if !sess.removeInterest(key) {
		return Response{Type: "unsubscribe", Success: false, Message: "Subscription not found for this client",
			Symbol: key.Symbol, Timeframe: key.Timeframe, RequestID: req.RequestID}
	}

	lastListener := s.removeInterest(key, sess)
	msg := "Unsubscribed"
	if lastListener {
		s.mux.Unsubscribe(key.Symbol, key.Timeframe)
		msg = "Unsubscribed successfully"
	}

	return Response{Type: "unsubscribe", Success: true, Message: msg,
		Symbol: key.Symbol, Timeframe: key.Timeframe, RequestID: req.RequestID}
}

// handleSubscribeMany processes pairs independently through the same
// per-client InterestIndex path as the single-subscribe handler, rather
// than bypassing it.
func (s *Server) handleSubscribeMany(sess *session, req Request) Response {
	if len(req.Pairs) == 0 {
		return errorResponse(req.RequestID, "pairs must be non-empty")
	}

	results := make([]PairResult, 0, len(req.Pairs))
	for _, pair := range req.Pairs {
		results = append(results, s.subscribeOne(sess, pair))
	}

	return Response{Type: "subscribe_many", Success: true, Results: results,
		Subscriptions: s.mux.List(), RequestID: req.RequestID}
}

func (s *Server) subscribeOne(sess *session, pair Pair) PairResult {
	if pair.Symbol == "" || pair.Timeframe == "" {
		return PairResult{Symbol: pair.Symbol, Timeframe: pair.Timeframe, Success: false, Message: "symbol and timeframe required"}
	}
	key := model.NewKey(pair.Symbol, pair.Timeframe)

	if sess.hasInterest(key) {
		return PairResult{Symbol: key.Symbol, Timeframe: key.Timeframe, Success: true, Message: "Already subscribed"}
	}

	firstListener := s.addInterest(key, sess)
	sess.addInterest(key)

	if firstListener {
		if !s.mux.Subscribe(key, "client") {
			s.removeInterest(key, sess)
			sess.removeInterest(key)
			return PairResult{Symbol: key.Symbol, Timeframe: key.Timeframe, Success: false, Message: "Failed to create upstream subscription"}
		}
		return PairResult{Symbol: key.Symbol, Timeframe: key.Timeframe, Success: true, Message: "Subscription created"}
	}
	return PairResult{Symbol: key.Symbol, Timeframe: key.Timeframe, Success: true, Message: "Subscribed (shared)"}
}

func (s *Server) handleUnsubscribeMany(sess *session, req Request) Response {
	if len(req.Pairs) == 0 {
		return errorResponse(req.RequestID, "pairs must be non-empty")
	}

	results := make([]PairResult, 0, len(req.Pairs))
	for _, pair := range req.Pairs {
		results = append(results, s.unsubscribeOne(sess, pair))
	}

	return Response{Type: "unsubscribe_many", Success: true, Results: results,
		Subscriptions: s.mux.List(), RequestID: req.RequestID}
}

func (s *Server) unsubscribeOne(sess *session, pair Pair) PairResult {
	if pair.Symbol == "" || pair.Timeframe == "" {
		return PairResult{Symbol: pair.Symbol, Timeframe: pair.Timeframe, Success: false, Message: "symbol and timeframe required"}
	}
	key := model.NewKey(pair.Symbol, pair.Timeframe)

	if !sess.removeInterest(key) {
		return PairResult{Symbol: key.Symbol, Timeframe: key.Timeframe, Success: false, Message: "Subscription not found for this client"}
	}

	if s.removeInterest(key, sess) {
		s.mux.Unsubscribe(key.Symbol, key.Timeframe)
		return PairResult{Symbol: key.Symbol, Timeframe: key.Timeframe, Success: true, Message: "Unsubscribed successfully"}
	}
	return PairResult{Symbol: key.Symbol, Timeframe: key.Timeframe, Success: true, Message: "Unsubscribed"}
}

func (s *Server) handleList(req Request) Response {
	return Response{Type: "list", Success: true, Subscriptions: s.mux.List(), RequestID: req.RequestID}
}

// disconnect removes sess from every InterestIndex entry it appeared in,
// tearing down any key whose global interest set becomes empty.
func (s *Server) disconnect(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	for _, key := range sess.interestSnapshot() {
		if s.removeInterest(key, sess) {
			s.mux.Unsubscribe(key.Symbol, key.Timeframe)
			s.log.Infow("auto-unsubscribed, last client disconnected", "symbol", key.Symbol, "timeframe", key.Timeframe)
		}
	}

	sess.close()
}

// addInterest records sess's interest in key and reports whether this was
// the first listener for key globally (a 0->1 transition).
func (s *Server) addInterest(key model.SubscriptionKey, sess *session) (firstListener bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.interest[key]
	if !ok {
		set = make(map[*session]bool)
		s.interest[key] = set
	}
	firstListener = len(set) == 0
	set[sess] = true
	return firstListener
}

// removeInterest drops sess's interest in key and reports whether the
// global set became empty (an N->0 transition).
func (s *Server) removeInterest(key model.SubscriptionKey, sess *session) (becameEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.interest[key]
	if !ok {
		return false
	}
	delete(set, sess)
	if len(set) == 0 {
		delete(s.interest, key)
		return true
	}
	return false
}

// Broadcast delivers bar to every session currently interested in its key.
// A slow client's outbox absorbs back-pressure via drop-oldest; no
// listener can delay delivery to others.
func (s *Server) Broadcast(bar model.Bar) {
	payload, err := json.Marshal(Response{Type: "bar", Success: true, Bar: &bar})
	if err != nil {
		s.log.Warnw("failed to marshal bar broadcast", "error", err)
		return
	}

	key := bar.Key()
	s.mu.Lock()
	recipients := make([]*session, 0, len(s.interest[key]))
	for sess := range s.interest[key] {
		recipients = append(recipients, sess)
	}
	s.mu.Unlock()

	for _, sess := range recipients {
		sess.enqueue(payload)
	}
}

func (s *Server) send(sess *session, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Warnw("failed to marshal response", "error", err)
		return
	}
	sess.enqueue(payload)
}

// SessionCount reports the number of currently connected clients, for
// diagnostics.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
