package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"studybuddy/directory"
	"studybuddy/logger"
	chatmodel "studybuddy/module/chat/model"
	"studybuddy/service/bus"
	"studybuddy/store"
	"studybuddy/store/message"
	"studybuddy/tools/errs"
	"studybuddy/tools/ids"
	"studybuddy/tools/security"
)

// Notifier receives committed messages for out-of-band delivery (push/email
// for offline members). Best-effort; never on the ack path.
type Notifier interface {
	MessageSent(ctx context.Context, m *chatmodel.MessageModel)
}

// ScopeModerator lets a token soft-delete other senders' messages.
const ScopeModerator = "moderator"

// ServerConfig tunes one gateway instance.
type ServerConfig struct {
	GatewayID   string
	Auth        security.Options
	Retry       message.RetryConfig
	TypingTTL   time.Duration // how long a typing hint stays fresh on clients
	PresenceTTL time.Duration // redis presence key TTL, renewed by heartbeats
	AuthWindow  time.Duration // how long an unauthenticated socket may linger
	ReadLimit   int64
	UsePresence bool // false in single-process/test runs without redis
}

func DefaultServerConfig(gatewayID string, auth security.Options) ServerConfig {
	return ServerConfig{
		GatewayID:   gatewayID,
		Auth:        auth,
		Retry:       message.DefaultRetry(),
		TypingTTL:   5 * time.Second,
		PresenceTTL: 90 * time.Second,
		AuthWindow:  10 * time.Second,
		ReadLimit:   64 * 1024,
	}
}

// Server is the gateway protocol engine: it upgrades sockets, runs the
// per-session read loop and owns the frame handlers.
type Server struct {
	cfg      ServerConfig
	store    message.Store
	dir      directory.Directory
	bus      bus.Bus
	mgr      *ConnManager
	dispatch *Dispatcher
	notifier Notifier

	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, st message.Store, dir directory.Directory, b bus.Bus, mgr *ConnManager, notifier Notifier) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		dir:      dir,
		bus:      b,
		mgr:      mgr,
		dispatch: NewDispatcher(),
		notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
	s.dispatch.Register(FrameSend, s.handleSend)
	s.dispatch.Register(FrameTyping, s.handleTyping)
	s.dispatch.Register(FrameMarkRead, s.handleMarkRead)
	s.dispatch.Register(FrameResync, s.handleResync)
	s.dispatch.Register(FrameEdit, s.handleEdit)
	s.dispatch.Register(FrameDelete, s.handleDelete)
	s.dispatch.Register(FramePing, s.handlePing)

	mgr.OnEvict = func(sess *Session, _ int) { s.finish(sess) }
	return s
}

// Manager exposes the registry for wiring (directory OnRemove hook, shutdown).
func (s *Server) Manager() *ConnManager { return s.mgr }

// HandleWS is the gin endpoint for GET /ws.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[gateway] upgrade failed: %v", err)
		return
	}
	sess := NewSession(ids.GenerateString(), ws, s.mgr.cfg.SendQueue)
	go sess.WritePump()
	go s.readLoop(sess)
}

// readLoop drives one session from handshake to teardown. The first frame
// must be auth; everything after goes through the dispatcher.
func (s *Server) readLoop(sess *Session) {
	ws := sess.ws
	ws.SetReadLimit(s.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.AuthWindow))
	ws.SetPongHandler(func(string) error {
		sess.Touch()
		return ws.SetReadDeadline(time.Now().Add(s.mgr.cfg.HeartbeatTTL))
	})

	defer s.finish(sess)

	// handshake
	_, raw, err := ws.ReadMessage()
	if err != nil {
		sess.Close(CloseUnauthenticated, "no auth frame")
		return
	}
	f, err := ParseFrame(raw)
	if err != nil || f.Type != FrameAuth {
		sess.Enqueue(BuildError(errs.CodeUnauthenticated, "first frame must be auth", false))
		sess.Close(CloseUnauthenticated, "first frame must be auth")
		return
	}
	if err := s.authenticate(sess, f); err != nil {
		sess.Enqueue(BuildError(errs.Code(err), err.Error(), false))
		sess.Close(CloseUnauthenticated, "authentication failed")
		return
	}

	_ = ws.SetReadDeadline(time.Now().Add(s.mgr.cfg.HeartbeatTTL))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()
		_ = ws.SetReadDeadline(time.Now().Add(s.mgr.cfg.HeartbeatTTL))
		f, err := ParseFrame(raw)
		if err != nil {
			sess.Enqueue(BuildError(errs.CodeValidation, err.Error(), false))
			continue
		}
		if f.Type == FrameAuth {
			sess.Enqueue(BuildError(errs.CodeValidation, "already authenticated", false))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.dispatch.Dispatch(ctx, sess, f)
		cancel()
	}
}

// authenticate verifies the token, registers the session, snapshots the
// user's chats and sends hello.
func (s *Server) authenticate(sess *Session, f *Frame) error {
	p, err := DecodePayload[AuthPayload](f)
	if err != nil || p.Token == "" {
		return errs.ErrUnauthenticated.WrapMsg("missing token")
	}
	id, err := security.Verify(s.cfg.Auth, p.Token)
	if err != nil {
		logger.Infof("[gateway] rejected token %s: %v", security.HashToken(p.Token), err)
		return errs.ErrUnauthenticated.WrapMsg("invalid token")
	}
	sess.UserID = id.UserID
	sess.Scopes = id.Scopes
	sess.SetState(StateAuthenticated)
	s.mgr.Add(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chats, err := s.dir.ChatsOf(ctx, sess.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("chat list unavailable")
	}
	snaps := make([]ChatSnapshot, 0, len(chats))
	for _, c := range chats {
		chatID := c.ID.String()
		if err := s.mgr.Attach(sess, chatID); err != nil {
			logger.Warnf("[gateway] attach failed chat=%s sess=%s: %v", chatID, sess.ID, err)
			continue
		}
		maxSeq, err := s.store.MaxSeq(ctx, chatID)
		if err != nil {
			logger.Warnf("[gateway] max seq unavailable chat=%s: %v", chatID, err)
		}
		readSeq, err := s.store.ReadSeq(ctx, chatID, sess.UserID)
		if err != nil {
			logger.Warnf("[gateway] read seq unavailable chat=%s: %v", chatID, err)
		}
		snaps = append(snaps, ChatSnapshot{ChatID: chatID, MaxSeq: maxSeq, ReadSeq: readSeq})
	}

	if s.cfg.UsePresence {
		if err := store.PresenceOnline(ctx, sess.UserID, s.cfg.GatewayID, s.cfg.PresenceTTL); err != nil {
			logger.Warnf("[gateway] presence online failed user=%s: %v", sess.UserID, err)
		}
	}
	if s.mgr.UserSessionCount(sess.UserID) == 1 {
		for _, snap := range snaps {
			_ = s.bus.Publish(ctx, snap.ChatID, bus.Event{Kind: bus.KindPresence, UserID: sess.UserID, Online: true})
		}
	}

	sess.Enqueue(MarshalFrame(FrameHello, HelloPayload{SessionID: sess.ID, Chats: snaps}))
	sess.SetState(StateActive)
	logger.Infof("[gateway] session up sess=%s user=%s chats=%d", sess.ID, sess.UserID, len(snaps))
	return nil
}

// finish is the single teardown path for a session, whoever triggers it.
func (s *Server) finish(sess *Session) {
	sess.RunCleanup(func() {
		chats := sess.Chats()
		s.mgr.Remove(sess)
		sess.Close(websocket.CloseNormalClosure, "bye")
		if sess.UserID == "" {
			return
		}
		if s.mgr.UserSessionCount(sess.UserID) == 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if s.cfg.UsePresence {
				if err := store.PresenceOffline(ctx, sess.UserID, s.cfg.GatewayID); err != nil {
					logger.Warnf("[gateway] presence offline failed user=%s: %v", sess.UserID, err)
				}
			}
			for _, chatID := range chats {
				_ = s.bus.Publish(ctx, chatID, bus.Event{Kind: bus.KindPresence, UserID: sess.UserID, Online: false})
			}
		}
		logger.Infof("[gateway] session down sess=%s user=%s", sess.ID, sess.UserID)
	})
}

// ---- frame handlers ----

func (s *Server) handleSend(ctx context.Context, sess *Session, f *Frame) error {
	p, err := DecodePayload[SendPayload](f)
	if err != nil {
		return errs.ErrValidation.WrapMsg("bad send payload")
	}
	if p.ChatID == "" || p.ClientRef == "" {
		return errs.ErrValidation.WrapMsg("chat_id and client_ref required")
	}

	var m *chatmodel.MessageModel
	err = message.WithRetry(ctx, s.cfg.Retry, func() error {
		var aerr error
		m, aerr = s.store.Append(ctx, p.ChatID, sess.UserID, p.Body, p.Attachments, p.ClientRef)
		return aerr
	})
	if err != nil {
		return err
	}

	// Durable first, then ack, then best-effort fanout.
	sess.Enqueue(MarshalFrame(FrameAck, AckPayload{ChatID: p.ChatID, ClientRef: p.ClientRef, Seq: m.Seq}))
	if perr := s.bus.Publish(ctx, p.ChatID, bus.Event{Kind: bus.KindNewMessage, Seq: m.Seq, Msg: m}); perr != nil {
		logger.Warnf("[gateway] fanout publish failed chat=%s seq=%d: %v", p.ChatID, m.Seq, perr)
	}
	if s.notifier != nil {
		mc := *m
		go s.notifier.MessageSent(context.Background(), &mc)
	}
	return nil
}

func (s *Server) handleTyping(ctx context.Context, sess *Session, f *Frame) error {
	p, err := DecodePayload[TypingPayload](f)
	if err != nil || p.ChatID == "" {
		return errs.ErrValidation.WrapMsg("bad typing payload")
	}
	ok, err := s.dir.IsMember(ctx, p.ChatID, sess.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("membership check failed")
	}
	if !ok {
		return errs.ErrSenderNotMember.WrapMsg("typing", "chat", p.ChatID)
	}
	// Transient: never persisted, never acked.
	return s.bus.Publish(ctx, p.ChatID, bus.Event{
		Kind:        bus.KindTyping,
		UserID:      sess.UserID,
		ExpiresInMS: s.cfg.TypingTTL.Milliseconds(),
	})
}

func (s *Server) handleMarkRead(ctx context.Context, sess *Session, f *Frame) error {
	p, err := DecodePayload[MarkReadPayload](f)
	if err != nil || p.ChatID == "" || p.UpToSeq <= 0 {
		return errs.ErrValidation.WrapMsg("bad mark_read payload")
	}
	ok, err := s.dir.IsMember(ctx, p.ChatID, sess.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("membership check failed")
	}
	if !ok {
		return errs.ErrSenderNotMember.WrapMsg("mark_read", "chat", p.ChatID)
	}

	var result int64
	err = message.WithRetry(ctx, s.cfg.Retry, func() error {
		var merr error
		result, merr = s.store.MarkRead(ctx, p.ChatID, sess.UserID, p.UpToSeq)
		return merr
	})
	if err != nil {
		return err
	}
	// Stale watermark: store kept the higher value, nothing to announce.
	if result == p.UpToSeq {
		_ = s.bus.Publish(ctx, p.ChatID, bus.Event{Kind: bus.KindReadReceipt, UserID: sess.UserID, UpToSeq: result})
	}
	return nil
}

const resyncBatch = 200

func (s *Server) handleResync(ctx context.Context, sess *Session, f *Frame) error {
	p, err := DecodePayload[ResyncPayload](f)
	if err != nil || p.ChatID == "" || p.AfterSeq < 0 {
		return errs.ErrValidation.WrapMsg("bad resync payload")
	}
	ok, err := s.dir.IsMember(ctx, p.ChatID, sess.UserID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("membership check failed")
	}
	if !ok {
		return errs.ErrSenderNotMember.WrapMsg("resync", "chat", p.ChatID)
	}

	after := p.AfterSeq
	for {
		msgs, err := s.store.FetchSince(ctx, p.ChatID, after, resyncBatch)
		if err != nil {
			return err
		}
		for i := range msgs {
			if !sess.Enqueue(BuildDelivered(&msgs[i])) {
				// Replay outran the client. The queue is full, so an error
				// frame could not reach it either; disconnect with the coded
				// close and let it reconnect with a fresh resync.
				logger.Warnf("[gateway] resync overflow sess=%s chat=%s", sess.ID, p.ChatID)
				s.mgr.evict(sess, CloseSlowConsumer, "resync overflow")
				return nil
			}
			after = msgs[i].Seq
		}
		if len(msgs) < resyncBatch {
			return nil
		}
	}
}

func (s *Server) handleEdit(ctx context.Context, sess *Session, f *Frame) error {
	p, err := DecodePayload[EditPayload](f)
	if err != nil || p.ChatID == "" || p.Seq <= 0 {
		return errs.ErrValidation.WrapMsg("bad edit payload")
	}
	var m *chatmodel.MessageModel
	err = message.WithRetry(ctx, s.cfg.Retry, func() error {
		var eerr error
		m, eerr = s.store.EditMessage(ctx, p.ChatID, p.Seq, sess.UserID, p.Body)
		return eerr
	})
	if err != nil {
		return err
	}
	sess.Enqueue(MarshalFrame(FrameAck, AckPayload{ChatID: p.ChatID, Seq: m.Seq}))
	// Same fanout as a fresh message: clients upsert by (chat_id, seq).
	_ = s.bus.Publish(ctx, p.ChatID, bus.Event{Kind: bus.KindNewMessage, Seq: m.Seq, Msg: m})
	return nil
}

func (s *Server) handleDelete(ctx context.Context, sess *Session, f *Frame) error {
	p, err := DecodePayload[DeletePayload](f)
	if err != nil || p.ChatID == "" || p.Seq <= 0 {
		return errs.ErrValidation.WrapMsg("bad delete payload")
	}
	err = message.WithRetry(ctx, s.cfg.Retry, func() error {
		return s.store.SoftDelete(ctx, p.ChatID, p.Seq, sess.UserID, sess.HasScope(ScopeModerator))
	})
	if err != nil {
		return err
	}
	sess.Enqueue(MarshalFrame(FrameAck, AckPayload{ChatID: p.ChatID, Seq: p.Seq}))
	msgs, ferr := s.store.FetchSince(ctx, p.ChatID, p.Seq-1, 1)
	if ferr == nil && len(msgs) == 1 && msgs[0].Seq == p.Seq {
		_ = s.bus.Publish(ctx, p.ChatID, bus.Event{Kind: bus.KindNewMessage, Seq: p.Seq, Msg: &msgs[0]})
	}
	return nil
}

func (s *Server) handlePing(ctx context.Context, sess *Session, _ *Frame) error {
	sess.Touch()
	if s.cfg.UsePresence && sess.UserID != "" {
		if err := store.PresenceOnline(ctx, sess.UserID, s.cfg.GatewayID, s.cfg.PresenceTTL); err != nil {
			logger.Warnf("[gateway] presence renew failed user=%s: %v", sess.UserID, err)
		}
	}
	sess.Enqueue(MarshalFrame(FramePong, nil))
	return nil
}
