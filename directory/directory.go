package directory

import (
	"context"

	"github.com/google/uuid"

	chatmodel "studybuddy/module/chat/model"
)

// Directory is the authoritative membership and routing metadata: which users
// belong to which chat, and therefore where fanout goes and who may send.
// Implementations cache per instance and invalidate on change.
type Directory interface {
	// MembersOf lists current participant user ids; the fanout target set.
	MembersOf(ctx context.Context, chatID string) ([]string, error)

	// IsMember authorizes sends and subscriptions.
	IsMember(ctx context.Context, chatID, userID string) (bool, error)

	// ChatExists reports whether the chat id resolves at all.
	ChatExists(ctx context.Context, chatID string) (bool, error)

	// ChatsOf lists the chats the user participates in (handshake snapshot).
	ChatsOf(ctx context.Context, userID string) ([]chatmodel.Chat, error)

	// ResolveOrCreateDirect returns the one direct chat for the unordered
	// pair, creating it if absent. Idempotent: concurrent callers on any
	// instance converge on the same chat id.
	ResolveOrCreateDirect(ctx context.Context, userA, userB string) (uuid.UUID, error)

	// AddParticipant joins the user; no-op if already a member.
	AddParticipant(ctx context.Context, chatID, userID string) error

	// RemoveParticipant leaves the chat and invalidates local caches. Live
	// sessions are told to drop their subscription via the OnRemove hook.
	RemoveParticipant(ctx context.Context, chatID, userID string) error

	// IsMuted reports the participant's mute flag (muted members get no
	// offline notifications).
	IsMuted(ctx context.Context, chatID, userID string) (bool, error)
}
