package model

// Message status values. A deleted message keeps its seq slot as a tombstone
// so clients can detect gaps; the body is redacted at the store layer.
const (
	MsgStatusNormal  int32 = 0
	MsgStatusEdited  int32 = 1
	MsgStatusDeleted int32 = 2

	MsgTableName = "message"

	// MaxBodyBytes bounds a message body on the wire and at rest.
	MaxBodyBytes = 8 * 1024
)

// MessageModel is one chat message (Mongo `message` collection).
// Seq is the per-chat ordering key: strictly increasing, assigned exactly once,
// never reused. Wall-clock times are metadata only and must never order
// messages within a chat.
type MessageModel struct {
	ServerMsgID string `bson:"server_msg_id" json:"server_msg_id"` // snowflake, globally unique
	ChatID      string `bson:"chat_id" json:"chat_id"`
	SenderID    string `bson:"sender_id" json:"sender_id"`
	ClientRef   string `bson:"client_ref,omitempty" json:"client_ref,omitempty"` // sender-supplied idempotency ref

	Seq  int64  `bson:"seq" json:"seq"`
	Body string `bson:"body" json:"body"`
	// Opaque ids resolved by the media storage service.
	Attachments []string `bson:"attachments,omitempty" json:"attachments,omitempty"`

	SendTime   int64 `bson:"send_time" json:"send_time"`     // unix ms
	CreateTime int64 `bson:"create_time" json:"create_time"` // unix ms

	Status   int32 `bson:"status" json:"status"`
	EditedAt int64 `bson:"edited_at,omitempty" json:"edited_at,omitempty"` // unix ms
}

func (*MessageModel) TableName() string { return MsgTableName }

// Tombstoned reports whether this slot is a redacted deletion marker.
func (m *MessageModel) Tombstoned() bool { return m.Status == MsgStatusDeleted }
