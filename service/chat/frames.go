package chat

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	chatmodel "studybuddy/module/chat/model"
)

// Client -> server frame types.
const (
	FrameAuth     = "auth"
	FrameSend     = "send_message"
	FrameTyping   = "typing"
	FrameMarkRead = "mark_read"
	FrameResync   = "resync"
	FrameEdit     = "edit_message"
	FrameDelete   = "delete_message"
	FramePing     = "heartbeat_ping"
)

// Server -> client frame types.
const (
	FrameHello        = "hello"
	FrameAck          = "message_ack"
	FrameDelivered    = "message_delivered"
	FrameTypingUpdate = "typing_update"
	FrameReadUpdate   = "read_update"
	FrameError        = "error"
	FramePong         = "heartbeat_pong"
	FramePresence     = "presence_change"
)

// WebSocket close codes (4000-range is application-reserved). The client
// branches on these: transient codes mean reconnect, unauthenticated means
// re-auth first.
const (
	CloseUnauthenticated  = 4001
	CloseForbidden        = 4003
	CloseSlowConsumer     = 4008
	CloseHeartbeatTimeout = 4009
	CloseServerShutdown   = 4010
)

// Frame is one inbound client frame. Payload stays loosely typed until the
// handler decodes it into its own struct.
type Frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ServerFrame is one outbound frame.
type ServerFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// DecodePayload maps the loose payload onto a typed struct by `json` tag,
// weakly typed so numeric strings from sloppy clients still land.
func DecodePayload[T any](f *Frame) (*T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(f.Payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return &out, nil
}

// ---- client payloads ----

type AuthPayload struct {
	Token string `json:"token"`
}

type SendPayload struct {
	ChatID      string   `json:"chat_id"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	ClientRef   string   `json:"client_ref"`
}

type TypingPayload struct {
	ChatID string `json:"chat_id"`
}

type MarkReadPayload struct {
	ChatID  string `json:"chat_id"`
	UpToSeq int64  `json:"up_to_seq"`
}

type ResyncPayload struct {
	ChatID   string `json:"chat_id"`
	AfterSeq int64  `json:"after_seq"`
}

type EditPayload struct {
	ChatID string `json:"chat_id"`
	Seq    int64  `json:"seq"`
	Body   string `json:"body"`
}

type DeletePayload struct {
	ChatID string `json:"chat_id"`
	Seq    int64  `json:"seq"`
}

// ---- server payloads ----

type ChatSnapshot struct {
	ChatID  string `json:"chat_id"`
	MaxSeq  int64  `json:"max_seq"`
	ReadSeq int64  `json:"read_seq"`
}

type HelloPayload struct {
	SessionID string         `json:"session_id"`
	Chats     []ChatSnapshot `json:"chats"`
}

type AckPayload struct {
	ChatID    string `json:"chat_id"`
	ClientRef string `json:"client_ref,omitempty"`
	Seq       int64  `json:"seq"`
}

type DeliveredPayload struct {
	ChatID  string                  `json:"chat_id"`
	Message *chatmodel.MessageModel `json:"message"`
}

type TypingUpdatePayload struct {
	ChatID      string `json:"chat_id"`
	UserID      string `json:"user_id"`
	ExpiresInMS int64  `json:"expires_in_ms"`
}

type ReadUpdatePayload struct {
	ChatID  string `json:"chat_id"`
	UserID  string `json:"user_id"`
	UpToSeq int64  `json:"up_to_seq"`
}

type PresencePayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type ErrorPayload struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Retryable bool   `json:"retryable"`
}

// ---- frame builders ----

func MarshalFrame(typ string, payload any) []byte {
	b, _ := json.Marshal(&ServerFrame{Type: typ, Payload: payload})
	return b
}

func BuildError(code int, msg string, retryable bool) []byte {
	return MarshalFrame(FrameError, ErrorPayload{Code: code, Msg: msg, Retryable: retryable})
}

func BuildDelivered(m *chatmodel.MessageModel) []byte {
	return MarshalFrame(FrameDelivered, DeliveredPayload{ChatID: m.ChatID, Message: m})
}
