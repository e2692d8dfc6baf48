package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pika-chat/go-core/internal/securestore"
	"pika-chat/go-core/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrMessageIDConflict = errors.New("message id conflict")
	ErrChatNotFound      = errors.New("chat not found")
	ErrInvalidRecord     = errors.New("invalid record")
)

var chatMigrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS chats (
	chat_id TEXT PRIMARY KEY,
	group_id BLOB NOT NULL,
	peer_pubkey TEXT NOT NULL,
	peer_npub TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	unread_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS chats_peer ON chats(peer_pubkey);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	sender_pubkey TEXT NOT NULL,
	content BLOB NOT NULL,
	ts INTEGER NOT NULL,
	is_mine INTEGER NOT NULL DEFAULT 0,
	delivery TEXT NOT NULL CHECK(delivery IN ('pending','sent','failed')),
	failure_reason TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(chat_id) REFERENCES chats(chat_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_chat_order ON messages(chat_id, ts, id);
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS follows (
	pubkey TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
`,
	},
}

// ChatRecord is the persisted row behind a ChatSummary.
type ChatRecord struct {
	ChatID      string
	GroupID     []byte
	PeerPubkey  string
	PeerNpub    string
	CreatedAt   int64
	UnreadCount uint32
}

// Cursor is the pagination key of a message. Messages are ordered by
// (Timestamp, ID) ascending; "older" means a strictly smaller key.
type Cursor struct {
	Timestamp int64
	ID        string
}

// ChatStore keeps one identity's chats and message history. Message bodies
// are sealed with the identity database key.
type ChatStore struct {
	db  *sql.DB
	key []byte
	now func() time.Time
}

func OpenChatStore(ctx context.Context, path string, key []byte) (*ChatStore, error) {
	if len(key) != securestore.KeySize {
		return nil, fmt.Errorf("%w: database key size %d", ErrInvalidRecord, len(key))
	}
	db, err := openSQLite(ctx, path, chatMigrations)
	if err != nil {
		return nil, err
	}
	return &ChatStore{db: db, key: append([]byte(nil), key...), now: time.Now}, nil
}

func (s *ChatStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewMessageID returns a time-ordered message id. Ids sort in creation order,
// which keeps (timestamp, id) chronological for messages in the same second.
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UpsertChat inserts rec or leaves an existing row with the same chat id untouched.
// It reports whether a row was created.
func (s *ChatStore) UpsertChat(ctx context.Context, rec ChatRecord) (bool, error) {
	if strings.TrimSpace(rec.ChatID) == "" || len(rec.GroupID) == 0 {
		return false, ErrInvalidRecord
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.now().Unix()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO chats(chat_id, group_id, peer_pubkey, peer_npub, created_at, unread_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id) DO NOTHING
`, rec.ChatID, rec.GroupID, rec.PeerPubkey, rec.PeerNpub, rec.CreatedAt, rec.UnreadCount)
	if err != nil {
		return false, fmt.Errorf("upsert chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert chat: %w", err)
	}
	return n > 0, nil
}

func (s *ChatStore) Chat(ctx context.Context, chatID string) (ChatRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT chat_id, group_id, peer_pubkey, peer_npub, created_at, unread_count
FROM chats WHERE chat_id = ?`, chatID)
	return scanChat(row)
}

// ChatByPeer returns the one-to-one chat with peerPubkey, if any.
func (s *ChatStore) ChatByPeer(ctx context.Context, peerPubkey string) (ChatRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT chat_id, group_id, peer_pubkey, peer_npub, created_at, unread_count
FROM chats WHERE peer_pubkey = ? ORDER BY created_at ASC LIMIT 1`, peerPubkey)
	return scanChat(row)
}

func (s *ChatStore) Chats(ctx context.Context) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chat_id, group_id, peer_pubkey, peer_npub, created_at, unread_count
FROM chats ORDER BY created_at ASC, chat_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()
	var out []ChatRecord
	for rows.Next() {
		var rec ChatRecord
		if err := rows.Scan(&rec.ChatID, &rec.GroupID, &rec.PeerPubkey, &rec.PeerNpub, &rec.CreatedAt, &rec.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListChats returns a summary per chat, most recent activity first. PeerName
// is left empty; profile data lives in the profile cache.
func (s *ChatStore) ListChats(ctx context.Context) ([]models.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.chat_id, c.peer_npub, c.unread_count, m.id, m.content, m.ts
FROM chats c
LEFT JOIN messages m ON m.id = (
	SELECT id FROM messages WHERE chat_id = c.chat_id ORDER BY ts DESC, id DESC LIMIT 1
)
ORDER BY COALESCE(m.ts, c.created_at) DESC, c.chat_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list chat summaries: %w", err)
	}
	defer rows.Close()

	out := []models.ChatSummary{}
	for rows.Next() {
		var (
			summary models.ChatSummary
			msgID   sql.NullString
			sealed  []byte
			ts      sql.NullInt64
		)
		if err := rows.Scan(&summary.ChatID, &summary.PeerNpub, &summary.UnreadCount, &msgID, &sealed, &ts); err != nil {
			return nil, fmt.Errorf("scan chat summary: %w", err)
		}
		if msgID.Valid {
			content, err := s.open(msgID.String, sealed)
			if err != nil {
				return nil, err
			}
			at := ts.Int64
			summary.LastMessage = &content
			summary.LastMessageAt = &at
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// AppendMessage stores msg and returns its id, generating one when msg.ID is
// empty. Re-appending an identical message is a no-op; a different message
// under an existing id is ErrMessageIDConflict.
func (s *ChatStore) AppendMessage(ctx context.Context, chatID string, msg models.ChatMessage) (string, error) {
	if msg.ID == "" {
		id, err := NewMessageID()
		if err != nil {
			return "", err
		}
		msg.ID = id
	}
	if msg.Delivery.Kind == "" {
		msg.Delivery = models.Pending()
	}
	if existing, ok, err := s.message(ctx, msg.ID); err != nil {
		return "", err
	} else if ok {
		if existing.chatID == chatID && existing.msg.Content == msg.Content && existing.msg.SenderPubkey == msg.SenderPubkey {
			return msg.ID, nil
		}
		return "", ErrMessageIDConflict
	}
	sealed, err := securestore.Seal(s.key, []byte(msg.Content), []byte(msg.ID))
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO messages(id, chat_id, sender_pubkey, content, ts, is_mine, delivery, failure_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, chatID, msg.SenderPubkey, sealed, msg.Timestamp, boolToInt(msg.IsMine), string(msg.Delivery.Kind), msg.Delivery.Reason)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return "", ErrChatNotFound
		}
		return "", fmt.Errorf("append message: %w", err)
	}
	return msg.ID, nil
}

// NewestMessages returns up to n of the newest messages in chronological order.
func (s *ChatStore) NewestMessages(ctx context.Context, chatID string, n int) ([]models.ChatMessage, error) {
	return s.queryMessages(ctx, `
SELECT id, sender_pubkey, content, ts, is_mine, delivery, failure_reason
FROM messages WHERE chat_id = ?
ORDER BY ts DESC, id DESC LIMIT ?`, chatID, n)
}

// MessagesBefore returns up to n messages strictly older than cur, in
// chronological order.
func (s *ChatStore) MessagesBefore(ctx context.Context, chatID string, cur Cursor, n int) ([]models.ChatMessage, error) {
	return s.queryMessages(ctx, `
SELECT id, sender_pubkey, content, ts, is_mine, delivery, failure_reason
FROM messages WHERE chat_id = ? AND (ts < ? OR (ts = ? AND id < ?))
ORDER BY ts DESC, id DESC LIMIT ?`, chatID, cur.Timestamp, cur.Timestamp, cur.ID, n)
}

func (s *ChatStore) HasOlder(ctx context.Context, chatID string, cur Cursor) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM messages WHERE chat_id = ? AND (ts < ? OR (ts = ? AND id < ?)) LIMIT 1`,
		chatID, cur.Timestamp, cur.Timestamp, cur.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has older: %w", err)
	}
	return true, nil
}

// MessageCursor resolves the pagination key of messageID within chatID.
func (s *ChatStore) MessageCursor(ctx context.Context, chatID, messageID string) (Cursor, bool, error) {
	var cur Cursor
	err := s.db.QueryRowContext(ctx, `SELECT ts, id FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID).Scan(&cur.Timestamp, &cur.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("message cursor: %w", err)
	}
	return cur, true, nil
}

// UpdateDelivery moves a message to next. Pending may become Sent or Failed;
// Sent is terminal. It reports whether the stored state changed.
func (s *ChatStore) UpdateDelivery(ctx context.Context, messageID string, next models.DeliveryState) (bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT delivery FROM messages WHERE id = ?`, messageID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read delivery: %w", err)
	}
	merged := mergeDelivery(models.DeliveryKind(current), next.Kind)
	if merged == models.DeliveryKind(current) {
		return false, nil
	}
	reason := ""
	if merged == models.DeliveryFailed {
		reason = next.Reason
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET delivery = ?, failure_reason = ? WHERE id = ?`, string(merged), reason, messageID); err != nil {
		return false, fmt.Errorf("update delivery: %w", err)
	}
	return true, nil
}

// FailPending moves every pending message to Failed{reason} and returns how
// many rows changed. Pending rows left behind by a closed session have no
// publish in flight anymore.
func (s *ChatStore) FailPending(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET delivery = ?, failure_reason = ? WHERE delivery = ?`,
		string(models.DeliveryFailed), reason, string(models.DeliveryPending))
	if err != nil {
		return 0, fmt.Errorf("fail pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail pending: %w", err)
	}
	return n, nil
}

func (s *ChatStore) IncrementUnread(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET unread_count = unread_count + 1 WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

func (s *ChatStore) ResetUnread(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET unread_count = 0 WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (s *ChatStore) Follow(ctx context.Context, pubkey string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO follows(pubkey, created_at) VALUES (?, ?) ON CONFLICT(pubkey) DO NOTHING`, pubkey, s.now().Unix())
	if err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	return nil
}

func (s *ChatStore) Unfollow(ctx context.Context, pubkey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM follows WHERE pubkey = ?`, pubkey); err != nil {
		return fmt.Errorf("unfollow: %w", err)
	}
	return nil
}

func (s *ChatStore) Follows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pubkey FROM follows ORDER BY created_at ASC, pubkey ASC`)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

type storedMessage struct {
	chatID string
	msg    models.ChatMessage
}

func (s *ChatStore) message(ctx context.Context, id string) (storedMessage, bool, error) {
	var (
		out    storedMessage
		sealed []byte
		isMine int
		kind   string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT chat_id, id, sender_pubkey, content, ts, is_mine, delivery, failure_reason
FROM messages WHERE id = ?`, id).Scan(&out.chatID, &out.msg.ID, &out.msg.SenderPubkey, &sealed, &out.msg.Timestamp, &isMine, &kind, &out.msg.Delivery.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return storedMessage{}, false, nil
	}
	if err != nil {
		return storedMessage{}, false, fmt.Errorf("read message: %w", err)
	}
	content, err := s.open(out.msg.ID, sealed)
	if err != nil {
		return storedMessage{}, false, err
	}
	out.msg.Content = content
	out.msg.IsMine = isMine != 0
	out.msg.Delivery.Kind = models.DeliveryKind(kind)
	return out, true, nil
}

func (s *ChatStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var desc []models.ChatMessage
	for rows.Next() {
		var (
			msg    models.ChatMessage
			sealed []byte
			isMine int
			kind   string
		)
		if err := rows.Scan(&msg.ID, &msg.SenderPubkey, &sealed, &msg.Timestamp, &isMine, &kind, &msg.Delivery.Reason); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		content, err := s.open(msg.ID, sealed)
		if err != nil {
			return nil, err
		}
		msg.Content = content
		msg.IsMine = isMine != 0
		msg.Delivery.Kind = models.DeliveryKind(kind)
		desc = append(desc, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.ChatMessage, len(desc))
	for i, msg := range desc {
		out[len(desc)-1-i] = msg
	}
	return out, nil
}

func (s *ChatStore) open(messageID string, sealed []byte) (string, error) {
	plain, err := securestore.Open(s.key, sealed, []byte(messageID))
	if err != nil {
		return "", fmt.Errorf("open message %s: %w", messageID, err)
	}
	return string(plain), nil
}

func scanChat(row *sql.Row) (ChatRecord, bool, error) {
	var rec ChatRecord
	err := row.Scan(&rec.ChatID, &rec.GroupID, &rec.PeerPubkey, &rec.PeerNpub, &rec.CreatedAt, &rec.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatRecord{}, false, nil
	}
	if err != nil {
		return ChatRecord{}, false, fmt.Errorf("scan chat: %w", err)
	}
	return rec, true, nil
}

func mergeDelivery(current, candidate models.DeliveryKind) models.DeliveryKind {
	if deliveryOrder(candidate) > deliveryOrder(current) {
		return candidate
	}
	return current
}

func deliveryOrder(kind models.DeliveryKind) int {
	switch kind {
	case models.DeliveryPending:
		return 1
	case models.DeliveryFailed:
		return 2
	case models.DeliverySent:
		return 3
	default:
		return 0
	}
}
