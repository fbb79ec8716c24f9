// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines User, Conversation, Membership, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when registering an email that already exists
var ErrDuplicateEmail = errors.New("email already registered")

// Message kinds
const (
	MessageKindText = "text"
	MessageKindFile = "file"
)

// Membership roles
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// User is a registered account
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	LastSeenAt   time.Time
	CreatedAt    time.Time
}

// Conversation is a direct (exactly two members, forever) or group chat.
// Created once; never mutated afterwards in this core's scope.
type Conversation struct {
	ID          string
	IsGroup     bool
	Title       string
	CreatedAt   time.Time
	Memberships []*Membership
}

// Membership links one user to one conversation. (user, conversation) is unique.
type Membership struct {
	ConversationID    string
	UserID            string
	Role              string
	LastReadMessageID string
	CreatedAt         time.Time
}

// Message is a single chat message. DeliveredTo and ReadBy only ever grow.
type Message struct {
	ID             string
	ConversationID string
	AuthorID       string
	Kind           string // "text" or "file"
	Text           string
	FileURL        string
	DeliveredTo    IDSet
	ReadBy         IDSet
	CreatedAt      time.Time
}

// PushSubscription is a web-push endpoint registered by a user.
// One per user; re-subscribing replaces the previous one.
type PushSubscription struct {
	UserID    string
	Endpoint  string
	Keys      string // opaque JSON blob from the browser
	UpdatedAt time.Time
}

// DirectCandidate is a non-group conversation that two users both belong to,
// along with its total membership count so callers can reject anomalies.
type DirectCandidate struct {
	Conversation *Conversation
	MemberCount  int
}

// Store defines the interface for durable chat persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]*User, error)
	TouchLastSeen(ctx context.Context, userID string, t time.Time) error

	// Conversations and memberships
	CreateConversation(ctx context.Context, conv *Conversation, memberIDs []string) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB string) (*DirectCandidate, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessageAcks(ctx context.Context, id string, deliveredTo, readBy IDSet) error
	ListMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*Message, error)

	// Push subscriptions
	UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error

	// Close releases any resources held by the store
	Close() error
}
