package directory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	chatmodel "studybuddy/module/chat/model"
	"studybuddy/tools/errs"
)

// MemDirectory is an in-memory Directory for tests and local runs. Same
// observable behavior as the Postgres implementation, including idempotent
// direct-chat resolution via the canonical pair key.
type MemDirectory struct {
	mu       sync.RWMutex
	chats    map[string]*chatmodel.Chat
	members  map[string]map[string]*chatmodel.ChatParticipant
	byPair   map[string]uuid.UUID
	OnRemove func(chatID, userID string)
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		chats:   make(map[string]*chatmodel.Chat),
		members: make(map[string]map[string]*chatmodel.ChatParticipant),
		byPair:  make(map[string]uuid.UUID),
	}
}

// AddChat registers a chat with members (fixture surface).
func (d *MemDirectory) AddChat(chatID string, typ chatmodel.ChatType, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := uuid.Parse(chatID)
	if err != nil {
		id = uuid.New()
	}
	d.chats[chatID] = &chatmodel.Chat{ID: id, Type: typ, CreatedAt: time.Now()}
	m := make(map[string]*chatmodel.ChatParticipant, len(members))
	for _, u := range members {
		m[u] = &chatmodel.ChatParticipant{ChatID: id, UserID: u, JoinedAt: time.Now()}
	}
	d.members[chatID] = m
}

func (d *MemDirectory) SetMuted(chatID, userID string, muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.members[chatID][userID]; p != nil {
		p.Muted = muted
	}
}

func (d *MemDirectory) MembersOf(_ context.Context, chatID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.members[chatID]
	out := make([]string, 0, len(m))
	for u := range m {
		out = append(out, u)
	}
	return out, nil
}

func (d *MemDirectory) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[chatID][userID]
	return ok, nil
}

func (d *MemDirectory) ChatExists(_ context.Context, chatID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chats[chatID]
	return ok && c.RetiredAt == nil, nil
}

func (d *MemDirectory) ChatsOf(_ context.Context, userID string) ([]chatmodel.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []chatmodel.Chat
	for chatID, m := range d.members {
		if _, ok := m[userID]; ok {
			if c := d.chats[chatID]; c != nil && c.RetiredAt == nil {
				out = append(out, *c)
			}
		}
	}
	return out, nil
}

func (d *MemDirectory) ResolveOrCreateDirect(_ context.Context, userA, userB string) (uuid.UUID, error) {
	if userA == "" || userB == "" || userA == userB {
		return uuid.Nil, errs.ErrValidation.WrapMsg("bad pair", "a", userA, "b", userB)
	}
	key := chatmodel.PairKey(userA, userB)
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byPair[key]; ok {
		return id, nil
	}
	id := uuid.New()
	now := time.Now()
	d.byPair[key] = id
	d.chats[id.String()] = &chatmodel.Chat{ID: id, Type: chatmodel.ChatTypeDirect, PairKey: key, CreatedAt: now}
	d.members[id.String()] = map[string]*chatmodel.ChatParticipant{
		userA: {ChatID: id, UserID: userA, JoinedAt: now},
		userB: {ChatID: id, UserID: userB, JoinedAt: now},
	}
	return id, nil
}

func (d *MemDirectory) AddParticipant(_ context.Context, chatID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[chatID]
	if !ok {
		return errs.ErrChatNotFound.WrapMsg("chat", "id", chatID)
	}
	if d.members[chatID] == nil {
		d.members[chatID] = make(map[string]*chatmodel.ChatParticipant)
	}
	if _, ok := d.members[chatID][userID]; !ok {
		d.members[chatID][userID] = &chatmodel.ChatParticipant{ChatID: c.ID, UserID: userID, JoinedAt: time.Now()}
	}
	return nil
}

func (d *MemDirectory) RemoveParticipant(_ context.Context, chatID, userID string) error {
	d.mu.Lock()
	if m := d.members[chatID]; m != nil {
		delete(m, userID)
		if len(m) == 0 {
			if c := d.chats[chatID]; c != nil && c.RetiredAt == nil {
				now := time.Now()
				c.RetiredAt = &now
			}
		}
	}
	hook := d.OnRemove
	d.mu.Unlock()
	if hook != nil {
		hook(chatID, userID)
	}
	return nil
}

func (d *MemDirectory) IsMuted(_ context.Context, chatID, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p := d.members[chatID][userID]; p != nil {
		return p.Muted, nil
	}
	return false, nil
}
