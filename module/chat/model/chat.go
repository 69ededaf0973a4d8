package model

import (
	"time"

	"github.com/google/uuid"
)

// ChatType is the kind of conversation.
type ChatType string

const (
	ChatTypeDirect    ChatType = "direct"
	ChatTypeGroup     ChatType = "group"
	ChatTypeCommunity ChatType = "community"
)

// Chat is the authoritative conversation row (Postgres `chats`).
// A direct chat is unique per unordered user pair via PairKey; group and
// community chats leave PairKey empty. Chats are never deleted, only retired
// when the last participant leaves.
type Chat struct {
	ID          uuid.UUID  `json:"chat_id"`
	Type        ChatType   `json:"type"`
	Name        string     `json:"name,omitempty"`
	CommunityID *uuid.UUID `json:"community_id,omitempty"` // only for community chats
	PairKey     string     `json:"-"`                      // "min:max" of the two user ids, direct only
	CreatedAt   time.Time  `json:"created_at"`
	RetiredAt   *time.Time `json:"-"`
}

// ChatParticipant is one user's membership row (Postgres `chat_participants`).
// LastReadSeq is the read watermark: everything <= it counts as read. It only
// moves forward.
type ChatParticipant struct {
	ChatID      uuid.UUID `json:"chat_id"`
	UserID      string    `json:"user_id"`
	JoinedAt    time.Time `json:"joined_at"`
	LastReadSeq int64     `json:"last_read_seq"`
	Muted       bool      `json:"muted"`
}

// PairKey computes the canonical key for a direct chat between two users.
// Sorting makes concurrent creators from different instances converge on the
// same row without any distributed lock.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
