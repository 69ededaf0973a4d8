package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"studybuddy/directory"
	"studybuddy/logger"
	chatmodel "studybuddy/module/chat/model"
)

// DefaultTopic is where the push/email pipeline consumes from.
const DefaultTopic = "chat.notify"

const previewLimit = 120

// OnlineFunc answers "does this user have any live session, on any gateway".
// Backed by the redis presence set in production.
type OnlineFunc func(ctx context.Context, userID string) (bool, error)

// PushEvent is the broker payload per offline recipient. Keyed by user id so
// a consumer can partition per recipient.
type PushEvent struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Seq       int64  `json:"seq"`
	Preview   string `json:"preview"`
	Mentioned bool   `json:"mentioned"`
	At        int64  `json:"at"` // unix ms
}

// Bridge turns committed messages into broker events for members who have no
// live session anywhere. Muted members are skipped unless mentioned.
// Everything here is best-effort and off the ack path.
type Bridge struct {
	Topic  string
	Prod   Producer
	Dir    directory.Directory
	Online OnlineFunc
}

func NewBridge(prod Producer, dir directory.Directory, online OnlineFunc) *Bridge {
	return &Bridge{Topic: DefaultTopic, Prod: prod, Dir: dir, Online: online}
}

func (b *Bridge) MessageSent(ctx context.Context, m *chatmodel.MessageModel) {
	members, err := b.Dir.MembersOf(ctx, m.ChatID)
	if err != nil {
		logger.Warnf("[notify] members lookup failed chat=%s: %v", m.ChatID, err)
		return
	}
	mentions := ExtractMentions(m.Body)
	for _, u := range members {
		if u == m.SenderID {
			continue
		}
		online, err := b.Online(ctx, u)
		if err != nil {
			logger.Warnf("[notify] presence lookup failed user=%s: %v", u, err)
			continue
		}
		if online {
			continue
		}
		mentioned := mentions[u]
		if !mentioned {
			muted, err := b.Dir.IsMuted(ctx, m.ChatID, u)
			if err != nil || muted {
				continue
			}
		}
		ev := PushEvent{
			UserID:    u,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			Seq:       m.Seq,
			Preview:   preview(m.Body),
			Mentioned: mentioned,
			At:        time.Now().UnixMilli(),
		}
		data, _ := json.Marshal(&ev)
		if err := b.Prod.Send(b.Topic, []byte(u), data); err != nil {
			logger.Warnf("[notify] publish failed user=%s chat=%s seq=%d: %v", u, m.ChatID, m.Seq, err)
		}
	}
}

// ExtractMentions pulls @handle tokens out of a message body. Handles end at
// the first rune that is not a letter, digit, '_', '-' or '.'.
func ExtractMentions(body string) map[string]bool {
	out := make(map[string]bool)
	for i := 0; i < len(body); i++ {
		if body[i] != '@' {
			continue
		}
		rest := body[i+1:]
		end := strings.IndexFunc(rest, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.'
		})
		if end == -1 {
			end = len(rest)
		}
		if end > 0 {
			out[rest[:end]] = true
			i += end
		}
	}
	return out
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewLimit {
		return body
	}
	return string(r[:previewLimit]) + "…"
}
