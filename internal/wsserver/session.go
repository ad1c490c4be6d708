package wsserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"barbroker/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192

	// outboxSize bounds the per-client buffered outbox. On overflow the
	// oldest buffered frame is dropped so one slow client's transport
	// never delays fan-out to the rest.
	outboxSize = 256
)

// session is one connected downstream client: a transport plus the set of
// keys it is currently interested in.
type session struct {
	id   string
	conn *websocket.Conn

	outbox chan []byte
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	interest map[model.SubscriptionKey]bool
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:       uuid.NewString(),
		conn:     conn,
		outbox:   make(chan []byte, outboxSize),
		done:     make(chan struct{}),
		interest: make(map[model.SubscriptionKey]bool),
	}
}

func (s *session) addInterest(key model.SubscriptionKey) (wasNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interest[key] {
		return false
	}
	s.interest[key] = true
	return true
}

func (s *session) removeInterest(key model.SubscriptionKey) (existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.interest[key] {
		return false
	}
	delete(s.interest, key)
	return true
}

func (s *session) hasInterest(key model.SubscriptionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interest[key]
}

// interestSnapshot returns the keys this session currently holds interest
// in, used to drive disconnect cleanup.
func (s *session) interestSnapshot() []model.SubscriptionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]model.SubscriptionKey, 0, len(s.interest))
	for k := range s.interest {
		keys = append(keys, k)
	}
	return keys
}

// enqueue writes payload to the session's outbox, dropping the oldest
// buffered frame on overflow rather than blocking the broadcaster on a
// slow transport. A no-op once the session is closed; the outbox channel
// itself is never closed, since Broadcast enqueues from the multiplexer's
// goroutine concurrently with disconnect cleanup and a send on a closed
// channel would panic.
func (s *session) enqueue(payload []byte) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	select {
	case s.outbox <- payload:
		return
	default:
	}
	select {
	case <-s.outbox:
	default:
	}
	select {
	case s.outbox <- payload:
	default:
	}
}

// close marks the session closed and signals writePump to exit. Safe to
// call more than once.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// writePump drains the outbox to the transport and pings on idle. It
// returns once close has signaled done, or a write fails.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
