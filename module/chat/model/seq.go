package model

import "time"

// SeqConversation tracks the sequence watermarks of one chat's message flow
// (Mongo `seq_conversation` collection).
//
// IssuedSeq is the highest number handed out by the allocator (>= MaxSeq while
// appends are in flight); MaxSeq is the committed-readable waterline; MinSeq is
// the retention floor after history cleanup. Readable range is (MinSeq, MaxSeq].
// Per-user read cursors live on the participant row, not here.
type SeqConversation struct {
	ChatID    string `bson:"chat_id"`
	MaxSeq    int64  `bson:"max_seq"`
	MinSeq    int64  `bson:"min_seq"`
	IssuedSeq int64  `bson:"issued_seq,omitempty"`

	CreateTime time.Time `bson:"create_time"`
	UpdateTime time.Time `bson:"update_time"`
}

const SeqConvTableName = "seq_conversation"

// Field names used in queries/updates.
const (
	SeqConvFieldChatID     = "chat_id"
	SeqConvFieldMaxSeq     = "max_seq"
	SeqConvFieldMinSeq     = "min_seq"
	SeqConvFieldIssuedSeq  = "issued_seq"
	SeqConvFieldCreateTime = "create_time"
	SeqConvFieldUpdateTime = "update_time"
)

func (*SeqConversation) GetTableName() string { return SeqConvTableName }
