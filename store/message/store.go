package message

import (
	"context"

	chatmodel "studybuddy/module/chat/model"
)

// Membership answers the authorization questions Append needs. Backed by the
// chat directory in production and by test fixtures in tests.
type Membership interface {
	ChatExists(ctx context.Context, chatID string) (bool, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// Store is the durable, ordered message record: the single source of truth any
// client reconciles against after a reconnect. Implementations must assign
// per-chat seqs atomically (no duplicates, no reuse) and keep tombstoned slots
// in place.
//
// Errors follow tools/errs: ErrChatNotFound, ErrSenderNotMember, ErrForbidden,
// ErrValidation, and ErrStoreUnavailable for retryable infrastructure faults.
type Store interface {
	// Append persists a message and returns it with its assigned seq. The
	// caller must not acknowledge the sender before Append returns.
	Append(ctx context.Context, chatID, senderID, body string, attachments []string, clientRef string) (*chatmodel.MessageModel, error)

	// FetchSince returns messages with seq > afterSeq in ascending seq order,
	// at most limit. Tombstoned slots are returned redacted, never skipped.
	FetchSince(ctx context.Context, chatID string, afterSeq int64, limit int) ([]chatmodel.MessageModel, error)

	// MarkRead advances the participant's read watermark to upToSeq and
	// returns the resulting watermark. Stale values are a no-op, not an error.
	MarkRead(ctx context.Context, chatID, userID string, upToSeq int64) (int64, error)

	// ReadSeq returns the participant's current watermark (0 if none).
	ReadSeq(ctx context.Context, chatID, userID string) (int64, error)

	// MaxSeq returns the chat's committed waterline (0 for an empty chat).
	MaxSeq(ctx context.Context, chatID string) (int64, error)

	// EditMessage replaces the body; only the original sender may edit.
	EditMessage(ctx context.Context, chatID string, seq int64, callerID, newBody string) (*chatmodel.MessageModel, error)

	// SoftDelete tombstones the slot; the sender or a moderator capability may
	// delete. Content is redacted, the seq slot is preserved.
	SoftDelete(ctx context.Context, chatID string, seq int64, callerID string, moderator bool) error
}
