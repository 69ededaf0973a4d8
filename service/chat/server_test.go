package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"studybuddy/directory"
	chatmodel "studybuddy/module/chat/model"
	"studybuddy/service/bus"
	"studybuddy/store/message"
	"studybuddy/tools/security"
)

func newTestServer(t *testing.T) (*Server, *message.MemStore, *directory.MemDirectory) {
	t.Helper()
	st := message.NewMemStore()
	dir := directory.NewMemDirectory()
	b := bus.NewMemBus()
	cfg := DefaultManagerConfig()
	cfg.SweepEvery = time.Hour
	mgr := NewConnManager(cfg, b, st)
	t.Cleanup(mgr.Shutdown)
	srv := NewServer(DefaultServerConfig("gw-test", security.DefaultOptions([]byte("test-secret"))), st, dir, b, mgr, nil)
	return srv, st, dir
}

// attachUser wires a socketless session the way a successful handshake would.
func attachUser(t *testing.T, srv *Server, user string, chats ...string) *Session {
	t.Helper()
	s := NewSession("sess-"+user, nil, 64)
	s.UserID = user
	s.SetState(StateActive)
	srv.mgr.Add(s)
	for _, c := range chats {
		if err := srv.mgr.Attach(s, c); err != nil {
			t.Fatalf("attach %s: %v", c, err)
		}
	}
	return s
}

func decodeInto(t *testing.T, f rawFrame, out any) {
	t.Helper()
	if err := json.Unmarshal(f.Payload, out); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
}

func TestSendMessageAckThenFanout(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	alice := attachUser(t, srv, "alice", "c1")
	bob := attachUser(t, srv, "bob", "c1")

	f := &Frame{Type: FrameSend, Payload: map[string]any{
		"chat_id": "c1", "body": "hello bob", "client_ref": "ref-1",
	}}
	if err := srv.handleSend(context.Background(), alice, f); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Ack reaches the sender first, synchronously.
	ack := nextFrame(t, alice)
	if ack.Type != FrameAck {
		t.Fatalf("first frame = %q, want ack", ack.Type)
	}
	var ap AckPayload
	decodeInto(t, ack, &ap)
	if ap.Seq != 1 || ap.ClientRef != "ref-1" {
		t.Fatalf("ack = %+v", ap)
	}

	// Fanout reaches the other member.
	del := nextFrame(t, bob)
	if del.Type != FrameDelivered {
		t.Fatalf("bob got %q", del.Type)
	}
	var dp DeliveredPayload
	decodeInto(t, del, &dp)
	if dp.Message.Seq != 1 || dp.Message.Body != "hello bob" || dp.Message.SenderID != "alice" {
		t.Fatalf("delivered = %+v", dp.Message)
	}
}

func TestSendRetriedAfterStoreBlipIsNotDuplicated(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	// Not attached to the chat's fanout, so only acks land in the queue and
	// the frame order below is deterministic.
	alice := attachUser(t, srv, "alice")

	// The store dies between persisting and confirming; the retry inside
	// handleSend must land on the already-stored message, not mint another.
	st.FailNextAppend = true
	f := &Frame{Type: FrameSend, Payload: map[string]any{
		"chat_id": "c1", "body": "once only", "client_ref": "ref-blip",
	}}
	if err := srv.handleSend(context.Background(), alice, f); err != nil {
		t.Fatalf("send: %v", err)
	}

	ack := nextFrame(t, alice)
	if ack.Type != FrameAck {
		t.Fatalf("got %q, want ack", ack.Type)
	}
	var ap AckPayload
	decodeInto(t, ack, &ap)

	msgs, _ := st.FetchSince(context.Background(), "c1", 0, 10)
	var stored []chatmodel.MessageModel
	for _, m := range msgs {
		if m.Status != chatmodel.MsgStatusDeleted {
			stored = append(stored, m)
		}
	}
	if len(stored) != 1 {
		t.Fatalf("%d live messages after retried send, want 1", len(stored))
	}
	if stored[0].Seq != ap.Seq || stored[0].Body != "once only" {
		t.Fatalf("ack seq %d vs stored %+v", ap.Seq, stored[0])
	}

	// A client-level resend of the same frame is also absorbed.
	if err := srv.handleSend(context.Background(), alice, f); err != nil {
		t.Fatalf("resend: %v", err)
	}
	var ap2 AckPayload
	decodeInto(t, nextFrame(t, alice), &ap2)
	if ap2.Seq != ap.Seq {
		t.Fatalf("resend acked seq %d, want %d", ap2.Seq, ap.Seq)
	}
	if max, _ := st.MaxSeq(context.Background(), "c1"); max != ap.Seq {
		t.Fatalf("max seq = %d after resend, want %d", max, ap.Seq)
	}
}

func TestResyncOverflowDisconnectsSlowConsumer(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, err := st.Append(ctx, "c1", "alice", "m", nil, fmt.Sprintf("r%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// A queue of 2 cannot hold the replay and nobody is draining it.
	bob := NewSession("sess-bob", nil, 2)
	bob.UserID = "bob"
	bob.SetState(StateActive)
	srv.mgr.Add(bob)
	if err := srv.mgr.Attach(bob, "c1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	f := &Frame{Type: FrameResync, Payload: map[string]any{"chat_id": "c1", "after_seq": 0}}
	if err := srv.handleResync(ctx, bob, f); err != nil {
		t.Fatalf("resync: %v", err)
	}

	if bob.CloseCode() != CloseSlowConsumer {
		t.Fatalf("close code = %d, want %d", bob.CloseCode(), CloseSlowConsumer)
	}
	if srv.mgr.Session("sess-bob") != nil {
		t.Fatalf("overflowed session still registered")
	}
	srv.mgr.subMu.Lock()
	_, live := srv.mgr.subs["c1"]
	srv.mgr.subMu.Unlock()
	if live {
		t.Fatalf("subscription leaked after overflow eviction")
	}
}

func TestSendFromNonMemberRejected(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice")

	mallory := attachUser(t, srv, "mallory")

	f := &Frame{Type: FrameSend, Payload: map[string]any{
		"chat_id": "c1", "body": "let me in", "client_ref": "r1",
	}}
	srv.dispatch.Dispatch(context.Background(), mallory, f)

	errf := nextFrame(t, mallory)
	if errf.Type != FrameError {
		t.Fatalf("got %q", errf.Type)
	}
	var ep ErrorPayload
	decodeInto(t, errf, &ep)
	if ep.Code != 1405 || ep.Retryable {
		t.Fatalf("error = %+v", ep)
	}
	if max, _ := st.MaxSeq(context.Background(), "c1"); max != 0 {
		t.Fatalf("rejected send advanced seq to %d", max)
	}
}

func TestMarkReadFanoutAndStaleSilence(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	for i := 0; i < 3; i++ {
		if _, err := st.Append(context.Background(), "c1", "alice", "m", nil, "r"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	alice := attachUser(t, srv, "alice", "c1")
	bob := attachUser(t, srv, "bob", "c1")

	f := &Frame{Type: FrameMarkRead, Payload: map[string]any{"chat_id": "c1", "up_to_seq": 3}}
	if err := srv.handleMarkRead(context.Background(), bob, f); err != nil {
		t.Fatalf("mark_read: %v", err)
	}

	ru := nextFrame(t, alice)
	if ru.Type != FrameReadUpdate {
		t.Fatalf("alice got %q", ru.Type)
	}
	var rp ReadUpdatePayload
	decodeInto(t, ru, &rp)
	if rp.UserID != "bob" || rp.UpToSeq != 3 {
		t.Fatalf("read update = %+v", rp)
	}

	// Stale watermark from a lagging device: no fanout, no error.
	stale := &Frame{Type: FrameMarkRead, Payload: map[string]any{"chat_id": "c1", "up_to_seq": 1}}
	if err := srv.handleMarkRead(context.Background(), bob, stale); err != nil {
		t.Fatalf("stale mark_read errored: %v", err)
	}
	expectNoFrame(t, alice)
	if got, _ := st.ReadSeq(context.Background(), "c1", "bob"); got != 3 {
		t.Fatalf("watermark regressed to %d", got)
	}
}

func TestTypingRequiresMembership(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	alice := attachUser(t, srv, "alice", "c1")
	bob := attachUser(t, srv, "bob", "c1")
	mallory := attachUser(t, srv, "mallory")

	if err := srv.handleTyping(context.Background(), mallory, &Frame{Type: FrameTyping, Payload: map[string]any{"chat_id": "c1"}}); err == nil {
		t.Fatalf("non-member typing accepted")
	}

	if err := srv.handleTyping(context.Background(), alice, &Frame{Type: FrameTyping, Payload: map[string]any{"chat_id": "c1"}}); err != nil {
		t.Fatalf("typing: %v", err)
	}
	tu := nextFrame(t, bob)
	if tu.Type != FrameTypingUpdate {
		t.Fatalf("bob got %q", tu.Type)
	}
	var tp TypingUpdatePayload
	decodeInto(t, tu, &tp)
	if tp.UserID != "alice" || tp.ExpiresInMS != srv.cfg.TypingTTL.Milliseconds() {
		t.Fatalf("typing update = %+v", tp)
	}
	expectNoFrame(t, alice)
}

func TestResyncReplaysInOrder(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if _, err := st.Append(ctx, "c1", "alice", "m", nil, "r"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.SoftDelete(ctx, "c1", 3, "alice", false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	bob := attachUser(t, srv, "bob", "c1")
	f := &Frame{Type: FrameResync, Payload: map[string]any{"chat_id": "c1", "after_seq": 1}}
	if err := srv.handleResync(ctx, bob, f); err != nil {
		t.Fatalf("resync: %v", err)
	}

	wantSeqs := []int64{2, 3, 4}
	for _, want := range wantSeqs {
		fr := nextFrame(t, bob)
		if fr.Type != FrameDelivered {
			t.Fatalf("got %q", fr.Type)
		}
		var dp DeliveredPayload
		decodeInto(t, fr, &dp)
		if dp.Message.Seq != want {
			t.Fatalf("seq = %d, want %d", dp.Message.Seq, want)
		}
		if want == 3 && (dp.Message.Status != chatmodel.MsgStatusDeleted || dp.Message.Body != "") {
			t.Fatalf("tombstone leaked content: %+v", dp.Message)
		}
	}
}

func TestEditFansOutUpdatedMessage(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	ctx := context.Background()
	m, err := st.Append(ctx, "c1", "alice", "typo", nil, "r1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	alice := attachUser(t, srv, "alice", "c1")
	bob := attachUser(t, srv, "bob", "c1")

	f := &Frame{Type: FrameEdit, Payload: map[string]any{"chat_id": "c1", "seq": m.Seq, "body": "fixed"}}
	if err := srv.handleEdit(ctx, alice, f); err != nil {
		t.Fatalf("edit: %v", err)
	}

	if ack := nextFrame(t, alice); ack.Type != FrameAck {
		t.Fatalf("alice got %q", ack.Type)
	}
	del := nextFrame(t, bob)
	var dp DeliveredPayload
	decodeInto(t, del, &dp)
	if dp.Message.Body != "fixed" || dp.Message.Status != chatmodel.MsgStatusEdited || dp.Message.Seq != m.Seq {
		t.Fatalf("fanout = %+v", dp.Message)
	}
}

func TestDeleteNeedsModeratorScope(t *testing.T) {
	srv, st, dir := newTestServer(t)
	st.AddChat("c1", "alice", "bob")
	dir.AddChat("c1", chatmodel.ChatTypeGroup, "alice", "bob")

	ctx := context.Background()
	m, _ := st.Append(ctx, "c1", "alice", "offensive", nil, "r1")

	bob := attachUser(t, srv, "bob", "c1")
	f := &Frame{Type: FrameDelete, Payload: map[string]any{"chat_id": "c1", "seq": m.Seq}}
	if err := srv.handleDelete(ctx, bob, f); err == nil {
		t.Fatalf("plain member deleted someone else's message")
	}

	bob.Scopes = []string{ScopeModerator}
	if err := srv.handleDelete(ctx, bob, f); err != nil {
		t.Fatalf("moderator delete: %v", err)
	}
	got, _ := st.FetchSince(ctx, "c1", m.Seq-1, 1)
	if len(got) != 1 || got[0].Status != chatmodel.MsgStatusDeleted {
		t.Fatalf("message not tombstoned: %+v", got)
	}
}

func TestAuthenticateBuildsHelloSnapshot(t *testing.T) {
	srv, st, dir := newTestServer(t)
	// The handshake walks the directory, so the chat id must be the real uuid.
	chatID := uuid.NewString()
	st.AddChat(chatID, "alice", "bob")
	dir.AddChat(chatID, chatmodel.ChatTypeGroup, "alice", "bob")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := st.Append(ctx, chatID, "bob", "m", nil, "r"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := st.MarkRead(ctx, chatID, "alice", 1); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	token, _, err := security.Generate(srv.cfg.Auth, "alice", nil)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	sess := NewSession("sess-x", nil, 64)
	if err := srv.authenticate(sess, &Frame{Type: FrameAuth, Payload: map[string]any{"token": token}}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sess.UserID != "alice" || sess.State() != StateActive {
		t.Fatalf("session = %q state %d", sess.UserID, sess.State())
	}

	hello := nextFrame(t, sess)
	if hello.Type != FrameHello {
		t.Fatalf("got %q", hello.Type)
	}
	var hp HelloPayload
	decodeInto(t, hello, &hp)
	if hp.SessionID != "sess-x" || len(hp.Chats) != 1 {
		t.Fatalf("hello = %+v", hp)
	}
	snap := hp.Chats[0]
	if snap.ChatID != chatID || snap.MaxSeq != 2 || snap.ReadSeq != 1 {
		t.Fatalf("snapshot = %+v, want max 2 read 1", snap)
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sess := NewSession("sess-x", nil, 64)
	err := srv.authenticate(sess, &Frame{Type: FrameAuth, Payload: map[string]any{"token": "garbage"}})
	if err == nil {
		t.Fatalf("garbage token accepted")
	}
}
