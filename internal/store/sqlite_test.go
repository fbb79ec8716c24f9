// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers users, conversations, memberships, messages, and push subscriptions

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestUser(t *testing.T, s *SQLiteStore, email, name string) *User {
	t.Helper()
	now := time.Now()
	user := &User{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  name,
		PasswordHash: "hash",
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s := createTestStore(t)
	createTestUser(t, s, "a@x.com", "Alice")

	dup := &User{
		ID:           uuid.New().String(),
		Email:        "A@X.COM", // email uniqueness is case-insensitive
		DisplayName:  "Impostor",
		PasswordHash: "hash",
		LastSeenAt:   time.Now(),
		CreatedAt:    time.Now(),
	}
	err := s.CreateUser(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestGetUserByEmail(t *testing.T) {
	s := createTestStore(t)
	user := createTestUser(t, s, "a@x.com", "Alice")

	got, err := s.GetUserByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = s.GetUserByEmail(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchUsers(t *testing.T) {
	s := createTestStore(t)
	createTestUser(t, s, "alice@example.com", "Alice")
	createTestUser(t, s, "bob@example.com", "Bob Builder")
	createTestUser(t, s, "carol@other.net", "Carol")

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"empty query returns nothing", "", 0},
		{"matches email substring", "example.com", 2},
		{"matches display name case-insensitively", "bUiLdEr", 1},
		{"no match", "zzz", 0},
		{"like wildcards are literal", "%", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := s.SearchUsers(context.Background(), tt.query, 20)
			require.NoError(t, err)
			assert.Len(t, users, tt.want)
		})
	}
}

func TestTouchLastSeen(t *testing.T) {
	s := createTestStore(t)
	user := createTestUser(t, s, "a@x.com", "Alice")

	ts := time.Now().Add(time.Hour)
	require.NoError(t, s.TouchLastSeen(context.Background(), user.ID, ts))

	got, err := s.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, ts, got.LastSeenAt, time.Second)

	err = s.TouchLastSeen(context.Background(), "missing", ts)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConversation_Memberships(t *testing.T) {
	s := createTestStore(t)
	alice := createTestUser(t, s, "a@x.com", "Alice")
	bob := createTestUser(t, s, "b@x.com", "Bob")

	conv := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(context.Background(), conv, []string{alice.ID, bob.ID}))

	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Memberships, 2)

	roles := map[string]string{}
	for _, m := range got.Memberships {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, RoleOwner, roles[alice.ID])
	assert.Equal(t, RoleMember, roles[bob.ID])
}

func TestFindDirectConversation(t *testing.T) {
	s := createTestStore(t)
	alice := createTestUser(t, s, "a@x.com", "Alice")
	bob := createTestUser(t, s, "b@x.com", "Bob")
	carol := createTestUser(t, s, "c@x.com", "Carol")

	ctx := context.Background()
	_, err := s.FindDirectConversation(ctx, alice.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	direct := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, direct, []string{alice.ID, bob.ID}))

	// A group containing both members must not shadow the direct chat
	group := &Conversation{ID: uuid.New().String(), IsGroup: true, Title: "team", CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, group, []string{alice.ID, bob.ID, carol.ID}))

	candidate, err := s.FindDirectConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, direct.ID, candidate.Conversation.ID)
	assert.Equal(t, 2, candidate.MemberCount)

	// Order of the pair does not matter
	candidate, err = s.FindDirectConversation(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, direct.ID, candidate.Conversation.ID)
}

func TestListConversationsForUser(t *testing.T) {
	s := createTestStore(t)
	alice := createTestUser(t, s, "a@x.com", "Alice")
	bob := createTestUser(t, s, "b@x.com", "Bob")
	carol := createTestUser(t, s, "c@x.com", "Carol")

	ctx := context.Background()
	c1 := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, c1, []string{alice.ID, bob.ID}))
	c2 := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, c2, []string{bob.ID, carol.ID}))

	convs, err := s.ListConversationsForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, c1.ID, convs[0].ID)
	assert.Len(t, convs[0].Memberships, 2)

	convs, err = s.ListConversationsForUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}

func TestIsMember(t *testing.T) {
	s := createTestStore(t)
	alice := createTestUser(t, s, "a@x.com", "Alice")
	bob := createTestUser(t, s, "b@x.com", "Bob")
	carol := createTestUser(t, s, "c@x.com", "Carol")

	ctx := context.Background()
	conv := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, conv, []string{alice.ID, bob.ID}))

	ok, err := s.IsMember(ctx, conv.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsMember(ctx, conv.ID, carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func saveTestMessage(t *testing.T, s *SQLiteStore, convID, authorID string, seq int) *Message {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	msg := &Message{
		ID:             id.String(),
		ConversationID: convID,
		AuthorID:       authorID,
		Kind:           MessageKindText,
		Text:           fmt.Sprintf("message %d", seq),
		DeliveredTo:    IDSet{},
		ReadBy:         IDSet{},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.SaveMessage(context.Background(), msg))
	return msg
}

func TestMessageAcks_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	alice := createTestUser(t, s, "a@x.com", "Alice")
	bob := createTestUser(t, s, "b@x.com", "Bob")

	ctx := context.Background()
	conv := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, conv, []string{alice.ID, bob.ID}))

	msg := saveTestMessage(t, s, conv.ID, alice.ID, 1)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, got.DeliveredTo)
	assert.Empty(t, got.ReadBy)

	delivered := got.DeliveredTo.Add(bob.ID)
	require.NoError(t, s.UpdateMessageAcks(ctx, msg.ID, delivered, got.ReadBy))

	got, err = s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.DeliveredTo.Contains(bob.ID))
	assert.Empty(t, got.ReadBy)

	err = s.UpdateMessageAcks(ctx, "missing", delivered, got.ReadBy)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMessagesBefore(t *testing.T) {
	s := createTestStore(t)
	alice := createTestUser(t, s, "a@x.com", "Alice")
	bob := createTestUser(t, s, "b@x.com", "Bob")

	ctx := context.Background()
	conv := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, conv, []string{alice.ID, bob.ID}))

	var all []*Message
	for i := 0; i < 5; i++ {
		all = append(all, saveTestMessage(t, s, conv.ID, alice.ID, i))
	}

	// No cursor: newest first, capped by limit
	msgs, err := s.ListMessagesBefore(ctx, conv.ID, "", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, all[4].ID, msgs[0].ID)
	assert.Equal(t, all[2].ID, msgs[2].ID)

	// Cursor: strictly older than the given id
	msgs, err = s.ListMessagesBefore(ctx, conv.ID, all[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, all[1].ID, msgs[0].ID)
	assert.Equal(t, all[0].ID, msgs[1].ID)
}

func TestUpsertPushSubscription(t *testing.T) {
	s := createTestStore(t)
	alice := createTestUser(t, s, "a@x.com", "Alice")

	ctx := context.Background()
	sub := &PushSubscription{
		UserID:    alice.ID,
		Endpoint:  "https://push.example.com/first",
		Keys:      `{"p256dh":"k1"}`,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.UpsertPushSubscription(ctx, sub))

	// Re-subscribing replaces the stored endpoint
	sub.Endpoint = "https://push.example.com/second"
	require.NoError(t, s.UpsertPushSubscription(ctx, sub))

	var endpoint string
	err := s.db.QueryRow(`SELECT endpoint FROM push_subscriptions WHERE user_id = ?`, alice.ID).Scan(&endpoint)
	require.NoError(t, err)
	assert.Equal(t, "https://push.example.com/second", endpoint)
}
