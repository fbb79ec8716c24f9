// ABOUTME: Get-or-create resolution for direct and group conversations
// ABOUTME: Direct chats are deduplicated by unordered member pair; groups always create

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

// ErrDirectMemberCount is returned when a direct chat request does not
// resolve to exactly two distinct members.
var ErrDirectMemberCount = errors.New("direct chat must have exactly 2 members")

// ResolverStore defines what the resolver needs from storage
type ResolverStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation, memberIDs []string) error
	FindDirectConversation(ctx context.Context, userA, userB string) (*store.DirectCandidate, error)
}

// Resolver implements get-or-create semantics for conversations.
type Resolver struct {
	store  ResolverStore
	logger *slog.Logger
}

// NewResolver creates a resolver. Pass nil logger for default.
func NewResolver(s ResolverStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve returns the conversation for the requested member set, creating
// it if necessary. The requester is always part of the member set.
//
// Direct chats: the unique member set must have exactly two ids, and an
// existing non-group conversation holding both members is reused. A
// candidate whose membership count is not exactly 2 is a data anomaly and
// is never reused; resolution falls through to creation.
//
// Group chats: every call creates a new conversation, even with identical
// titles and members.
func (r *Resolver) Resolve(ctx context.Context, requesterID string, memberIDs []string, isGroup bool, title string) (*store.Conversation, bool, error) {
	members := uniqueMembers(requesterID, memberIDs)

	if !isGroup {
		if len(members) != 2 {
			return nil, false, ErrDirectMemberCount
		}

		candidate, err := r.store.FindDirectConversation(ctx, members[0], members[1])
		if err == nil {
			if candidate.MemberCount == 2 {
				return candidate.Conversation, false, nil
			}
			r.logger.Warn("direct conversation has anomalous membership count, creating a new one",
				"conversation_id", candidate.Conversation.ID,
				"member_count", candidate.MemberCount)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("finding direct conversation: %w", err)
		}
	}

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		IsGroup:   isGroup,
		Title:     title,
		CreatedAt: time.Now(),
	}
	// Requester first so it receives the owner role
	ordered := append([]string{requesterID}, withoutID(members, requesterID)...)
	if err := r.store.CreateConversation(ctx, conv, ordered); err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	r.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"is_group", isGroup,
		"members", len(ordered))
	return conv, true, nil
}

// uniqueMembers returns the deduplicated union of the requester and the
// requested member ids, sorted for deterministic pair lookup.
func uniqueMembers(requesterID string, memberIDs []string) []string {
	seen := map[string]struct{}{requesterID: {}}
	for _, id := range memberIDs {
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func withoutID(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
