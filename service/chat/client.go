package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studybuddy/logger"
)

// Session lifecycle states.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

// Session is one live WebSocket attachment of one user. A user may hold many
// sessions (one per device); each gets its own send queue and its own seat in
// the registry.
type Session struct {
	ID     string
	UserID string
	Scopes []string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	state     SessionState
	heartbeat time.Time
	chats     map[string]struct{} // chat ids this session is attached to

	closeOnce   sync.Once
	closeCode   int
	cleanupOnce sync.Once
}

// HasScope reports whether the authenticated token carried the scope.
func (s *Session) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

// RunCleanup runs fn at most once per session; both the read loop exit and a
// manager eviction funnel through it.
func (s *Session) RunCleanup(fn func()) { s.cleanupOnce.Do(fn) }

const (
	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second
)

func NewSession(id string, ws *websocket.Conn, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Session{
		ID:        id,
		ws:        ws,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		state:     StateConnecting,
		heartbeat: time.Now(),
		chats:     make(map[string]struct{}),
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Touch renews the liveness clock. Called on heartbeat_ping frames, transport
// pongs and any inbound frame.
func (s *Session) Touch() {
	s.mu.Lock()
	s.heartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat
}

func (s *Session) attach(chatID string) {
	s.mu.Lock()
	s.chats[chatID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) detach(chatID string) {
	s.mu.Lock()
	delete(s.chats, chatID)
	s.mu.Unlock()
}

func (s *Session) attached(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chats[chatID]
	return ok
}

// Chats snapshots the attached chat ids.
func (s *Session) Chats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chats))
	for id := range s.chats {
		out = append(out, id)
	}
	return out
}

// Enqueue queues one outbound frame without blocking. Returns false when the
// queue is full — the caller decides whether that disconnects the session.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.done:
		return true // already closing, pretend delivered
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close tears the session down exactly once: sends the close frame with the
// given code, stops the write pump and closes the socket. Safe from any
// goroutine.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.SetState(StateClosing)
		s.closeCode = code
		if s.ws != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				logger.Debug("[session] close control write failed: " + err.Error())
			}
		}
		close(s.done)
		if s.ws != nil {
			_ = s.ws.Close()
		}
		s.SetState(StateClosed)
	})
}

// CloseCode reports the code the session closed with, 0 while still open.
func (s *Session) CloseCode() int {
	select {
	case <-s.done:
		return s.closeCode
	default:
		return 0
	}
}

// WritePump is the single goroutine allowed to write data frames on the
// socket. Runs until the session closes or a write fails.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("[session] write failed sess=" + s.ID + ": " + err.Error())
				_ = s.ws.Close()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.ws.Close()
				return
			}
		}
	}
}
