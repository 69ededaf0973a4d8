package directory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	chatmodel "studybuddy/module/chat/model"
	"studybuddy/tools/errs"
)

// PgDirectory reads/writes the chats and chat_participants tables and keeps a
// per-instance member cache. The cache is advisory: writes always hit
// Postgres, and mutations invalidate the affected chat.
type PgDirectory struct {
	Pool *pgxpool.Pool

	// OnRemove, when set, is called after a successful RemoveParticipant so
	// the connection layer can drop the user's live subscriptions.
	OnRemove func(chatID, userID string)

	mu      sync.RWMutex
	members map[string][]string // chatID -> user ids
	fetched map[string]time.Time
	ttl     time.Duration
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{
		Pool:    pool,
		members: make(map[string][]string),
		fetched: make(map[string]time.Time),
		ttl:     30 * time.Second,
	}
}

func (d *PgDirectory) MembersOf(ctx context.Context, chatID string) ([]string, error) {
	d.mu.RLock()
	cached, ok := d.members[chatID]
	fresh := ok && time.Since(d.fetched[chatID]) < d.ttl
	d.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	rows, err := d.Pool.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("members query", "err", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, errs.ErrStoreUnavailable.WrapMsg("members scan", "err", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("members rows", "err", err)
	}

	d.mu.Lock()
	d.members[chatID] = out
	d.fetched[chatID] = time.Now()
	d.mu.Unlock()
	return out, nil
}

func (d *PgDirectory) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	members, err := d.MembersOf(ctx, chatID)
	if err != nil {
		return false, err
	}
	for _, u := range members {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *PgDirectory) ChatExists(ctx context.Context, chatID string) (bool, error) {
	var one int
	err := d.Pool.QueryRow(ctx,
		`SELECT 1 FROM chats WHERE id = $1 AND retired_at IS NULL`, chatID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("chat exists", "err", err)
	}
	return true, nil
}

func (d *PgDirectory) ChatsOf(ctx context.Context, userID string) ([]chatmodel.Chat, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT c.id, c.type, c.name, c.community_id, c.created_at
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = $1 AND c.retired_at IS NULL`, userID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("chats query", "err", err)
	}
	defer rows.Close()
	var out []chatmodel.Chat
	for rows.Next() {
		var c chatmodel.Chat
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.CommunityID, &c.CreatedAt); err != nil {
			return nil, errs.ErrStoreUnavailable.WrapMsg("chats scan", "err", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *PgDirectory) ResolveOrCreateDirect(ctx context.Context, userA, userB string) (uuid.UUID, error) {
	if userA == "" || userB == "" || userA == userB {
		return uuid.Nil, errs.ErrValidation.WrapMsg("bad pair", "a", userA, "b", userB)
	}
	key := chatmodel.PairKey(userA, userB)
	id := uuid.New()

	// Insert with the canonical pair key; a concurrent creator from another
	// instance simply loses the conflict and reads back the winner's row.
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO chats (id, type, name, pair_key, created_at)
		VALUES ($1, $2, '', $3, now())
		ON CONFLICT (pair_key) DO NOTHING`,
		id, chatmodel.ChatTypeDirect, key)
	if err != nil {
		return uuid.Nil, errs.ErrStoreUnavailable.WrapMsg("direct insert", "err", err)
	}
	if err := d.Pool.QueryRow(ctx,
		`SELECT id FROM chats WHERE pair_key = $1`, key).Scan(&id); err != nil {
		return uuid.Nil, errs.ErrStoreUnavailable.WrapMsg("direct readback", "err", err)
	}

	for _, u := range []string{userA, userB} {
		if err := d.AddParticipant(ctx, id.String(), u); err != nil {
			return uuid.Nil, err
		}
	}
	return id, nil
}

func (d *PgDirectory) AddParticipant(ctx context.Context, chatID, userID string) error {
	_, err := d.Pool.Exec(ctx, `
		INSERT INTO chat_participants (chat_id, user_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chat_id, user_id) DO NOTHING`, chatID, userID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("add participant", "err", err)
	}
	d.invalidate(chatID)
	return nil
}

func (d *PgDirectory) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	_, err := d.Pool.Exec(ctx,
		`DELETE FROM chat_participants WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("remove participant", "err", err)
	}
	// Soft-retire when the last participant leaves; the chat row and its
	// message log remain.
	_, err = d.Pool.Exec(ctx, `
		UPDATE chats SET retired_at = now()
		WHERE id = $1
		  AND retired_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1)`, chatID)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("retire chat", "err", err)
	}
	d.invalidate(chatID)
	if d.OnRemove != nil {
		d.OnRemove(chatID, userID)
	}
	return nil
}

func (d *PgDirectory) IsMuted(ctx context.Context, chatID, userID string) (bool, error) {
	var muted bool
	err := d.Pool.QueryRow(ctx,
		`SELECT muted FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID).Scan(&muted)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("muted query", "err", err)
	}
	return muted, nil
}

func (d *PgDirectory) invalidate(chatID string) {
	d.mu.Lock()
	delete(d.members, chatID)
	delete(d.fetched, chatID)
	d.mu.Unlock()
}
