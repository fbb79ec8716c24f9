// ABOUTME: Message creation, delivery/read acknowledgment bookkeeping, and history paging
// ABOUTME: Acks are read-modify-write cycles serialized per message id

package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/store"
)

// ErrInvalidMessage is returned when a message kind does not match its payload.
var ErrInvalidMessage = errors.New("invalid message")

// DefaultHistoryLimit is applied when a history request has no limit.
const DefaultHistoryLimit = 50

// lockStripes is the number of per-message lock stripes. Two acks for the
// same message always hash to the same stripe, so their read-modify-write
// cycles serialize; acks for different messages rarely contend.
const lockStripes = 64

// LedgerStore defines what the ledger needs from storage
type LedgerStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessageAcks(ctx context.Context, id string, deliveredTo, readBy store.IDSet) error
	ListMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*store.Message, error)
}

// Ledger creates messages and tracks their acknowledgment sets.
type Ledger struct {
	store  LedgerStore
	locks  [lockStripes]sync.Mutex
	logger *slog.Logger
}

// New creates a ledger. Pass nil logger for default.
func New(s LedgerStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
	}
}

// Create validates and persists a new message with empty acknowledgment
// sets. Kind and payload are a tagged pair: a text message must carry text,
// a file message must carry a file reference, and no other kinds exist.
//
// Message ids are UUIDv7 so that id ordering is creation ordering, which
// history pagination relies on.
func (l *Ledger) Create(ctx context.Context, conversationID, authorID, kind, text, fileURL string) (*store.Message, error) {
	switch kind {
	case store.MessageKindText:
		if text == "" {
			return nil, fmt.Errorf("%w: text message with empty text", ErrInvalidMessage)
		}
	case store.MessageKindFile:
		if fileURL == "" {
			return nil, fmt.Errorf("%w: file message with no file reference", ErrInvalidMessage)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	msg := &store.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Kind:           kind,
		Text:           text,
		FileURL:        fileURL,
		DeliveredTo:    store.IDSet{},
		ReadBy:         store.IDSet{},
		CreatedAt:      time.Now(),
	}
	if err := l.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	metrics.MessagesCreated.Inc()
	l.logger.Debug("message created",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"kind", kind)
	return msg, nil
}

// AckDelivered adds userID to the message's delivered set and returns the
// updated set. Acknowledging twice is a no-op; the set only ever grows.
// Returns store.ErrNotFound for an unknown message id.
func (l *Ledger) AckDelivered(ctx context.Context, messageID, userID string) (store.IDSet, error) {
	set, err := l.ack(ctx, messageID, userID, false)
	if err == nil {
		metrics.AcksApplied.WithLabelValues("delivered").Inc()
	}
	return set, err
}

// AckRead adds userID to the message's read set and returns the updated
// set. Same contract as AckDelivered.
func (l *Ledger) AckRead(ctx context.Context, messageID, userID string) (store.IDSet, error) {
	set, err := l.ack(ctx, messageID, userID, true)
	if err == nil {
		metrics.AcksApplied.WithLabelValues("read").Inc()
	}
	return set, err
}

// ack performs the fetch/add/persist cycle under the message's lock stripe
// so concurrent acks from different users both land (set union, never
// last-write-wins over the whole set).
func (l *Ledger) ack(ctx context.Context, messageID, userID string, read bool) (store.IDSet, error) {
	lock := &l.locks[stripe(messageID)]
	lock.Lock()
	defer lock.Unlock()

	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	var updated store.IDSet
	if read {
		if msg.ReadBy.Contains(userID) {
			return msg.ReadBy.Clone(), nil
		}
		msg.ReadBy = msg.ReadBy.Add(userID)
		updated = msg.ReadBy
	} else {
		if msg.DeliveredTo.Contains(userID) {
			return msg.DeliveredTo.Clone(), nil
		}
		msg.DeliveredTo = msg.DeliveredTo.Add(userID)
		updated = msg.DeliveredTo
	}

	if err := l.store.UpdateMessageAcks(ctx, messageID, msg.DeliveredTo, msg.ReadBy); err != nil {
		return nil, fmt.Errorf("persisting acks: %w", err)
	}
	return updated.Clone(), nil
}

// History returns up to limit messages strictly older than beforeID
// (the full tail when beforeID is empty), in ascending chronological
// order. Internally the newest N are selected descending and reversed:
// the "load older page, display in reading order" pattern.
func (l *Ledger) History(ctx context.Context, conversationID, beforeID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	msgs, err := l.store.ListMessagesBefore(ctx, conversationID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}

	// Reverse newest-first into oldest-first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func stripe(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % lockStripes
}
