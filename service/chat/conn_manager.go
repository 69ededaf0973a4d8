package chat

import (
	"context"
	"sync"
	"time"

	"studybuddy/logger"
	"studybuddy/service/bus"
	"studybuddy/store/message"
	"studybuddy/tools/errs"
)

// ManagerConfig tunes the per-instance registry.
type ManagerConfig struct {
	HeartbeatTTL time.Duration // drop sessions silent longer than this
	SweepEvery   time.Duration
	SendQueue    int // outbound frames buffered per session
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatTTL: 60 * time.Second,
		SweepEvery:   15 * time.Second,
		SendQueue:    256,
	}
}

type busSub struct {
	refs   int
	cancel func()
}

// ConnManager owns every live session on this gateway instance. It keeps
// three indexes over the same session set and exactly one bus subscription
// per chat with local listeners, ref-counted across sessions.
//
// Two locks: mu guards the session registry on the fanout hot path; subMu
// guards only the subscription table, so the bus round trips in
// Subscribe/Unsubscribe never stall delivery.
type ConnManager struct {
	cfg   ManagerConfig
	bus   bus.Bus
	store message.Store

	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session // userID -> sessID -> session
	byChat map[string]map[string]*Session // chatID -> sessID -> session

	subMu sync.Mutex
	subs  map[string]*busSub

	stopCh   chan struct{}
	stopOnce sync.Once

	// OnEvict runs after a session is dropped by the manager itself (slow
	// consumer, heartbeat timeout). Wired by the server for presence cleanup.
	OnEvict func(s *Session, closeCode int)
}

func NewConnManager(cfg ManagerConfig, b bus.Bus, st message.Store) *ConnManager {
	m := &ConnManager{
		cfg:    cfg,
		bus:    b,
		store:  st,
		byID:   make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		byChat: make(map[string]map[string]*Session),
		subs:   make(map[string]*busSub),
		stopCh: make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Add registers an authenticated session.
func (m *ConnManager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
	if m.byUser[s.UserID] == nil {
		m.byUser[s.UserID] = make(map[string]*Session)
	}
	m.byUser[s.UserID][s.ID] = s
}

// Remove drops the session from every index and releases its chat
// subscriptions. Idempotent.
func (m *ConnManager) Remove(s *Session) {
	chats := s.Chats()
	m.mu.Lock()
	delete(m.byID, s.ID)
	if u := m.byUser[s.UserID]; u != nil {
		delete(u, s.ID)
		if len(u) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
	var released []string
	for _, chatID := range chats {
		if m.detachRegistry(s, chatID) {
			released = append(released, chatID)
		}
	}
	m.mu.Unlock()
	for _, chatID := range released {
		m.release(chatID)
	}
}

// Attach subscribes the session to a chat's fanout. The first local session
// on a chat opens the instance-wide bus subscription. The bus round trip runs
// under subMu only, never under the registry lock.
func (m *ConnManager) Attach(s *Session, chatID string) error {
	m.mu.RLock()
	_, already := m.byChat[chatID][s.ID]
	m.mu.RUnlock()
	if already {
		return nil
	}

	m.subMu.Lock()
	sub := m.subs[chatID]
	if sub == nil {
		ch, cancel, err := m.bus.Subscribe(chatID)
		if err != nil {
			m.subMu.Unlock()
			return errs.ErrStoreUnavailable.WrapMsg("bus subscribe failed", "chat", chatID)
		}
		sub = &busSub{cancel: cancel}
		m.subs[chatID] = sub
		go m.consume(chatID, ch)
	}
	sub.refs++
	m.subMu.Unlock()

	m.mu.Lock()
	if _, ok := m.byChat[chatID][s.ID]; ok {
		// Raced with another attach of the same session; give the ref back.
		m.mu.Unlock()
		m.release(chatID)
		return nil
	}
	if m.byChat[chatID] == nil {
		m.byChat[chatID] = make(map[string]*Session)
	}
	m.byChat[chatID][s.ID] = s
	s.attach(chatID)
	m.mu.Unlock()
	return nil
}

// Detach removes one session from one chat's fanout.
func (m *ConnManager) Detach(s *Session, chatID string) {
	m.mu.Lock()
	removed := m.detachRegistry(s, chatID)
	m.mu.Unlock()
	if removed {
		m.release(chatID)
	}
}

// detachRegistry drops the session from the chat index. Caller holds mu and
// must release the subscription ref afterwards when this returns true.
func (m *ConnManager) detachRegistry(s *Session, chatID string) bool {
	c := m.byChat[chatID]
	if c == nil {
		return false
	}
	if _, ok := c[s.ID]; !ok {
		return false
	}
	delete(c, s.ID)
	s.detach(chatID)
	if len(c) == 0 {
		delete(m.byChat, chatID)
	}
	return true
}

// release drops one subscription ref; the last ref out unsubscribes. The
// network call runs after subMu is dropped.
func (m *ConnManager) release(chatID string) {
	var cancel func()
	m.subMu.Lock()
	if sub := m.subs[chatID]; sub != nil {
		sub.refs--
		if sub.refs <= 0 {
			cancel = sub.cancel
			delete(m.subs, chatID)
		}
	}
	m.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// DetachUserChat tears a user out of a chat on this instance: their live
// sessions are told and unsubscribed. Runs when membership is revoked.
func (m *ConnManager) DetachUserChat(chatID, userID string) {
	m.mu.Lock()
	var victims []*Session
	for _, s := range m.byUser[userID] {
		if s.attached(chatID) && m.detachRegistry(s, chatID) {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		m.release(chatID)
		s.Enqueue(BuildError(errs.CodeForbidden, "removed from chat "+chatID, false))
	}
}

// KickUser force-closes every session of a user on this instance (token
// revocation, admin logout).
func (m *ConnManager) KickUser(userID string, code int, reason string) {
	m.mu.RLock()
	victims := make([]*Session, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		victims = append(victims, s)
	}
	m.mu.RUnlock()
	for _, s := range victims {
		logger.Infof("[conn] kick sess=%s user=%s: %s", s.ID, userID, reason)
		m.evict(s, code, reason)
	}
}

// UserSessionCount reports live sessions of a user on this instance.
func (m *ConnManager) UserSessionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *ConnManager) Session(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// consume pumps one chat's bus stream into local sessions until the
// subscription is cancelled (channel close).
func (m *ConnManager) consume(chatID string, ch <-chan bus.Event) {
	for ev := range ch {
		m.deliver(chatID, ev)
	}
}

// deliver fans one event out to local sessions of the chat. A full send queue
// evicts the session rather than stalling the rest of the chat.
func (m *ConnManager) deliver(chatID string, ev bus.Event) {
	data, skipUser := m.render(chatID, ev)
	if data == nil {
		return
	}

	m.mu.RLock()
	targets := make([]*Session, 0, len(m.byChat[chatID]))
	for _, s := range m.byChat[chatID] {
		if skipUser != "" && s.UserID == skipUser {
			continue
		}
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if !s.Enqueue(data) {
			logger.Warnf("[conn] slow consumer sess=%s user=%s chat=%s", s.ID, s.UserID, chatID)
			m.evict(s, CloseSlowConsumer, "send queue overflow")
		}
	}
}

// render turns an event into the wire frame, plus a user id to skip (typing
// is never echoed back to the typist).
func (m *ConnManager) render(chatID string, ev bus.Event) ([]byte, string) {
	switch ev.Kind {
	case bus.KindNewMessage:
		msg := ev.Msg
		if msg == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			got, err := m.store.FetchSince(ctx, chatID, ev.Seq-1, 1)
			cancel()
			if err != nil || len(got) == 0 || got[0].Seq != ev.Seq {
				logger.Warnf("[conn] fetch for fanout failed chat=%s seq=%d: %v", chatID, ev.Seq, err)
				return nil, ""
			}
			msg = &got[0]
		}
		return BuildDelivered(msg), ""
	case bus.KindTyping:
		return MarshalFrame(FrameTypingUpdate, TypingUpdatePayload{
			ChatID: chatID, UserID: ev.UserID, ExpiresInMS: ev.ExpiresInMS,
		}), ev.UserID
	case bus.KindReadReceipt:
		return MarshalFrame(FrameReadUpdate, ReadUpdatePayload{
			ChatID: chatID, UserID: ev.UserID, UpToSeq: ev.UpToSeq,
		}), ""
	case bus.KindPresence:
		return MarshalFrame(FramePresence, PresencePayload{
			ChatID: chatID, UserID: ev.UserID, Online: ev.Online,
		}), ev.UserID
	default:
		logger.Warnf("[conn] unknown event kind %q chat=%s", ev.Kind, chatID)
		return nil, ""
	}
}

func (m *ConnManager) evict(s *Session, code int, reason string) {
	s.Close(code, reason)
	m.Remove(s)
	if m.OnEvict != nil {
		m.OnEvict(s, code)
	}
}

// sweep drops sessions that missed their heartbeat window.
func (m *ConnManager) sweep() {
	t := time.NewTicker(m.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			cutoff := time.Now().Add(-m.cfg.HeartbeatTTL)
			m.mu.RLock()
			var stale []*Session
			for _, s := range m.byID {
				if s.LastSeen().Before(cutoff) {
					stale = append(stale, s)
				}
			}
			m.mu.RUnlock()
			for _, s := range stale {
				logger.Infof("[conn] heartbeat timeout sess=%s user=%s", s.ID, s.UserID)
				m.evict(s, CloseHeartbeatTimeout, "heartbeat timeout")
			}
		}
	}
}

// Shutdown closes every session with server_shutdown and stops the sweeper.
func (m *ConnManager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.RLock()
	all := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		s.Close(CloseServerShutdown, "server shutting down")
		m.Remove(s)
	}
}
