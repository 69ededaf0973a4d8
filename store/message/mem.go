package message

import (
	"context"
	"sort"
	"sync"
	"time"

	chatmodel "studybuddy/module/chat/model"
	"studybuddy/tools/errs"
	"studybuddy/tools/ids"
)

// MemStore is an in-memory Store with the same contract as the Mongo
// implementation. Used by tests and local single-process runs.
type MemStore struct {
	mu      sync.RWMutex
	chats   map[string]map[string]bool // chat -> user -> member
	nextSeq map[string]int64           // chat -> last issued seq
	bySeq   map[string]map[int64]*chatmodel.MessageModel
	byRef   map[string]int64 // chat|sender|client_ref -> seq, retry dedupe
	cursors map[string]int64 // chat|user -> read watermark

	// FailNextAppend makes the next Append fail after burning its seq, the
	// way a dead Mongo connection would (fixture surface).
	FailNextAppend bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		chats:   make(map[string]map[string]bool),
		nextSeq: make(map[string]int64),
		bySeq:   make(map[string]map[int64]*chatmodel.MessageModel),
		byRef:   make(map[string]int64),
		cursors: make(map[string]int64),
	}
}

func cursorKey(chat, user string) string { return chat + "|" + user }

// AddChat registers a chat with its members (test fixture surface).
func (s *MemStore) AddChat(chatID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.chats[chatID]
	if !ok {
		m = make(map[string]bool)
		s.chats[chatID] = m
	}
	for _, u := range members {
		m[u] = true
	}
}

func (s *MemStore) RemoveMember(chatID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.chats[chatID]; m != nil {
		delete(m, userID)
	}
}

// ChatExists / IsMember let MemStore double as the Membership fixture.
func (s *MemStore) ChatExists(_ context.Context, chatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chats[chatID]
	return ok, nil
}

func (s *MemStore) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chats[chatID][userID], nil
}

func (s *MemStore) Append(_ context.Context, chatID, senderID, body string, attachments []string, clientRef string) (*chatmodel.MessageModel, error) {
	if body == "" || len(body) > chatmodel.MaxBodyBytes {
		return nil, errs.ErrValidation.WrapMsg("bad body size", "len", len(body))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.chats[chatID]
	if !ok {
		return nil, errs.ErrChatNotFound.WrapMsg("chat", "id", chatID)
	}
	if !members[senderID] {
		return nil, errs.ErrSenderNotMember.WrapMsg("sender", "user", senderID)
	}

	refKey := chatID + "|" + senderID + "|" + clientRef
	if clientRef != "" {
		if n, ok := s.byRef[refKey]; ok {
			cp := *s.bySeq[chatID][n]
			return &cp, nil
		}
	}

	s.nextSeq[chatID]++
	now := time.Now().UnixMilli()
	if s.FailNextAppend {
		s.FailNextAppend = false
		// Seal the burned seq so the numbering stays dense.
		if s.bySeq[chatID] == nil {
			s.bySeq[chatID] = make(map[int64]*chatmodel.MessageModel)
		}
		s.bySeq[chatID][s.nextSeq[chatID]] = &chatmodel.MessageModel{
			ServerMsgID: ids.GenerateString(),
			ChatID:      chatID,
			Seq:         s.nextSeq[chatID],
			SendTime:    now,
			CreateTime:  now,
			Status:      chatmodel.MsgStatusDeleted,
		}
		return nil, errs.ErrStoreUnavailable.WrapMsg("insert", "err", "injected fault")
	}
	m := &chatmodel.MessageModel{
		ServerMsgID: ids.GenerateString(),
		ChatID:      chatID,
		SenderID:    senderID,
		ClientRef:   clientRef,
		Seq:         s.nextSeq[chatID],
		Body:        body,
		Attachments: attachments,
		SendTime:    now,
		CreateTime:  now,
		Status:      chatmodel.MsgStatusNormal,
	}
	if s.bySeq[chatID] == nil {
		s.bySeq[chatID] = make(map[int64]*chatmodel.MessageModel)
	}
	s.bySeq[chatID][m.Seq] = m
	if clientRef != "" {
		s.byRef[refKey] = m.Seq
	}
	return m, nil
}

func (s *MemStore) FetchSince(_ context.Context, chatID string, afterSeq int64, limit int) ([]chatmodel.MessageModel, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var seqs []int64
	for n := range s.bySeq[chatID] {
		if n > afterSeq {
			seqs = append(seqs, n)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > limit {
		seqs = seqs[:limit]
	}
	out := make([]chatmodel.MessageModel, 0, len(seqs))
	for _, n := range seqs {
		cp := *s.bySeq[chatID][n]
		if cp.Tombstoned() {
			redact(&cp)
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemStore) MarkRead(_ context.Context, chatID, userID string, upToSeq int64) (int64, error) {
	if upToSeq < 0 {
		return 0, errs.ErrValidation.WrapMsg("negative seq")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cursorKey(chatID, userID)
	if upToSeq > s.cursors[k] {
		s.cursors[k] = upToSeq
	}
	return s.cursors[k], nil
}

func (s *MemStore) ReadSeq(_ context.Context, chatID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[cursorKey(chatID, userID)], nil
}

func (s *MemStore) MaxSeq(_ context.Context, chatID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq[chatID], nil
}

func (s *MemStore) EditMessage(_ context.Context, chatID string, seqNo int64, callerID, newBody string) (*chatmodel.MessageModel, error) {
	if newBody == "" || len(newBody) > chatmodel.MaxBodyBytes {
		return nil, errs.ErrValidation.WrapMsg("bad body size", "len", len(newBody))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bySeq[chatID][seqNo]
	if !ok {
		return nil, errs.ErrChatNotFound.WrapMsg("message", "seq", seqNo)
	}
	if m.SenderID != callerID {
		return nil, errs.ErrForbidden.WrapMsg("edit by non-sender", "user", callerID)
	}
	if m.Tombstoned() {
		return nil, errs.ErrValidation.WrapMsg("message deleted")
	}
	m.Body = newBody
	m.Status = chatmodel.MsgStatusEdited
	m.EditedAt = time.Now().UnixMilli()
	cp := *m
	return &cp, nil
}

func (s *MemStore) SoftDelete(_ context.Context, chatID string, seqNo int64, callerID string, moderator bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bySeq[chatID][seqNo]
	if !ok {
		return errs.ErrChatNotFound.WrapMsg("message", "seq", seqNo)
	}
	if m.SenderID != callerID && !moderator {
		return errs.ErrForbidden.WrapMsg("delete by non-sender", "user", callerID)
	}
	m.Status = chatmodel.MsgStatusDeleted
	m.Body = ""
	m.Attachments = nil
	return nil
}
