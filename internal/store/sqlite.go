// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE COLLATE NOCASE,
			display_name  TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			last_seen_at  DATETIME NOT NULL,
			created_at    DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_display_name ON users(display_name);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			is_group   INTEGER NOT NULL DEFAULT 0,
			title      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memberships (
			conversation_id      TEXT NOT NULL REFERENCES conversations(id),
			user_id              TEXT NOT NULL REFERENCES users(id),
			role                 TEXT NOT NULL DEFAULT 'member',
			last_read_message_id TEXT NOT NULL DEFAULT '',
			created_at           DATETIME NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			CHECK (role IN ('owner', 'member'))
		);

		CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			author_id       TEXT NOT NULL REFERENCES users(id),
			kind            TEXT NOT NULL,
			text            TEXT NOT NULL DEFAULT '',
			file_url        TEXT NOT NULL DEFAULT '',
			delivered_to    TEXT NOT NULL DEFAULT '[]',
			read_by         TEXT NOT NULL DEFAULT '[]',
			created_at      DATETIME NOT NULL,

			CHECK (kind IN ('text', 'file'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, id);

		CREATE TABLE IF NOT EXISTS push_subscriptions (
			user_id    TEXT PRIMARY KEY REFERENCES users(id),
			endpoint   TEXT NOT NULL,
			keys_json  TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user. Returns ErrDuplicateEmail if the email is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, password_hash, last_seen_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.DisplayName, user.PasswordHash,
		user.LastSeenAt.UTC(), user.CreatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.email") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, password_hash, last_seen_at, created_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email (case-insensitive)
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, password_hash, last_seen_at, created_at
		 FROM users WHERE email = ? COLLATE NOCASE`, email)
	return scanUser(row)
}

// SearchUsers returns users whose email or display name contains the query,
// case-insensitively. An empty query returns no rows.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string, limit int) ([]*User, error) {
	if query == "" {
		return []*User{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, display_name, password_hash, last_seen_at, created_at
		 FROM users
		 WHERE email LIKE ? ESCAPE '\' COLLATE NOCASE
		    OR display_name LIKE ? ESCAPE '\' COLLATE NOCASE
		 ORDER BY display_name
		 LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if users == nil {
		users = []*User{}
	}
	return users, rows.Err()
}

// TouchLastSeen updates a user's last-seen timestamp
func (s *SQLiteStore) TouchLastSeen(ctx context.Context, userID string, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = ? WHERE id = ?`, t.UTC(), userID)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConversation inserts a conversation and one membership per member id
// in a single transaction. The first member id gets the owner role.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, is_group, title, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.IsGroup, conv.Title, conv.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	conv.Memberships = conv.Memberships[:0]
	for i, userID := range memberIDs {
		role := RoleMember
		if i == 0 {
			role = RoleOwner
		}
		m := &Membership{
			ConversationID: conv.ID,
			UserID:         userID,
			Role:           role,
			CreatedAt:      conv.CreatedAt,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memberships (conversation_id, user_id, role, last_read_message_id, created_at)
			 VALUES (?, ?, ?, '', ?)`,
			m.ConversationID, m.UserID, m.Role, m.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("creating membership: %w", err)
		}
		conv.Memberships = append(conv.Memberships, m)
	}

	return tx.Commit()
}

// GetConversation retrieves a conversation with its memberships
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, is_group, title, created_at FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	conv.Memberships, err = s.listMemberships(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationsForUser returns every conversation the user belongs to,
// newest first, each with its full membership list.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.is_group, c.title, c.created_at
		 FROM conversations c
		 JOIN memberships m ON m.conversation_id = c.id
		 WHERE m.user_id = ?
		 ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, conv := range convs {
		conv.Memberships, err = s.listMemberships(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	return convs, nil
}

// FindDirectConversation finds a non-group conversation that both users
// belong to, returning ErrNotFound if none exists. The candidate's total
// membership count is included so callers can reject anomalous rows.
func (s *SQLiteStore) FindDirectConversation(ctx context.Context, userA, userB string) (*DirectCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.is_group, c.title, c.created_at,
		        (SELECT COUNT(*) FROM memberships mc WHERE mc.conversation_id = c.id) AS member_count
		 FROM conversations c
		 WHERE c.is_group = 0
		   AND EXISTS (SELECT 1 FROM memberships ma WHERE ma.conversation_id = c.id AND ma.user_id = ?)
		   AND EXISTS (SELECT 1 FROM memberships mb WHERE mb.conversation_id = c.id AND mb.user_id = ?)
		 ORDER BY c.created_at
		 LIMIT 1`, userA, userB)

	conv := &Conversation{}
	var count int
	err := row.Scan(&conv.ID, &conv.IsGroup, &conv.Title, &conv.CreatedAt, &count)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding direct conversation: %w", err)
	}
	conv.Memberships, err = s.listMemberships(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &DirectCandidate{Conversation: conv, MemberCount: count}, nil
}

// IsMember reports whether the user holds a membership in the conversation
func (s *SQLiteStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memberships WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return true, nil
}

// SaveMessage inserts a new message with its acknowledgment sets
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	delivered, err := json.Marshal(msg.DeliveredTo)
	if err != nil {
		return fmt.Errorf("encoding delivered set: %w", err)
	}
	read, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return fmt.Errorf("encoding read set: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, author_id, kind, text, file_url, delivered_to, read_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.AuthorID, msg.Kind, msg.Text, msg.FileURL,
		string(delivered), string(read), msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, author_id, kind, text, file_url, delivered_to, read_by, created_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// UpdateMessageAcks replaces a message's acknowledgment sets
func (s *SQLiteStore) UpdateMessageAcks(ctx context.Context, id string, deliveredTo, readBy IDSet) error {
	delivered, err := json.Marshal(deliveredTo)
	if err != nil {
		return fmt.Errorf("encoding delivered set: %w", err)
	}
	read, err := json.Marshal(readBy)
	if err != nil {
		return fmt.Errorf("encoding read set: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered_to = ?, read_by = ? WHERE id = ?`,
		string(delivered), string(read), id)
	if err != nil {
		return fmt.Errorf("updating message acks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessagesBefore returns up to limit messages in the conversation with
// id strictly less than beforeID (all messages when beforeID is empty),
// newest first. Message ids are time-ordered, so id ordering is creation
// ordering.
func (s *SQLiteStore) ListMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if beforeID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, author_id, kind, text, file_url, delivered_to, read_by, created_at
			 FROM messages WHERE conversation_id = ?
			 ORDER BY id DESC LIMIT ?`, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, author_id, kind, text, file_url, delivered_to, read_by, created_at
			 FROM messages WHERE conversation_id = ? AND id < ?
			 ORDER BY id DESC LIMIT ?`, conversationID, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return msgs, rows.Err()
}

// UpsertPushSubscription stores or replaces a user's push subscription
func (s *SQLiteStore) UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, keys_json, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			keys_json = excluded.keys_json,
			updated_at = excluded.updated_at`,
		sub.UserID, sub.Endpoint, sub.Keys, sub.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting push subscription: %w", err)
	}
	return nil
}

// listMemberships returns all memberships for a conversation
func (s *SQLiteStore) listMemberships(ctx context.Context, conversationID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, role, last_read_message_id, created_at
		 FROM memberships WHERE conversation_id = ? ORDER BY created_at, user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m := &Membership{}
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.LastReadMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.LastSeenAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return u, nil
}

func scanConversation(row scanner) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(&c.ID, &c.IsGroup, &c.Title, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return c, nil
}

func scanMessage(row scanner) (*Message, error) {
	m := &Message{}
	var delivered, read string
	err := row.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Kind, &m.Text, &m.FileURL,
		&delivered, &read, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	if err := json.Unmarshal([]byte(delivered), &m.DeliveredTo); err != nil {
		return nil, fmt.Errorf("decoding delivered set: %w", err)
	}
	if err := json.Unmarshal([]byte(read), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("decoding read set: %w", err)
	}
	return m, nil
}

// escapeLike escapes LIKE wildcards in user-supplied search input
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
