package bus

import (
	"context"

	chatmodel "studybuddy/module/chat/model"
)

// Kind discriminates fanout payloads.
type Kind string

const (
	KindNewMessage  Kind = "new_message"
	KindTyping      Kind = "typing"
	KindReadReceipt Kind = "read_receipt"
	KindPresence    Kind = "presence_change"
)

// Event is the transient bus payload. Typing and presence are self-contained
// so subscribers never need a store round trip for them. For new_message the
// seq is authoritative; Msg is a best-effort inline copy — subscribers that
// receive the event without it (or with stale cache) fetch by seq from the
// store, which is the durable record either way.
type Event struct {
	Kind   Kind   `json:"kind"`
	ChatID string `json:"chat_id"`

	// new_message
	Seq int64                   `json:"seq,omitempty"`
	Msg *chatmodel.MessageModel `json:"msg,omitempty"`

	// typing / read_receipt / presence_change
	UserID      string `json:"user_id,omitempty"`
	ExpiresInMS int64  `json:"expires_in_ms,omitempty"`
	UpToSeq     int64  `json:"up_to_seq,omitempty"`
	Online      bool   `json:"online,omitempty"`

	At int64 `json:"at"` // unix ms, informational only — never an ordering key
}

// Bus is the cross-instance transport: publish is fire-and-forget,
// at-least-once to currently subscribed instances, and allowed to drop under
// load — correctness comes from the message store, the bus is the low-latency
// hint that avoids polling.
type Bus interface {
	// Publish sends the event to every instance subscribed to the chat.
	Publish(ctx context.Context, chatID string, ev Event) error

	// Subscribe opens this instance's delivery stream for one chat. The
	// returned cancel releases the subscription; the channel is closed after
	// cancel. One subscription per chat per instance — ref-counting is the
	// caller's job.
	Subscribe(chatID string) (<-chan Event, func(), error)

	Close() error
}
