// ABOUTME: Wire format for the bidirectional event channel
// ABOUTME: Inbound envelope decoding and outbound event encoding

package realtime

import (
	"encoding/json"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// Inbound event types
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventTyping            = "typing"
	EventSendMessage       = "send_message"
	EventAckDelivered      = "ack_delivered"
	EventAckRead           = "ack_read"
)

// Outbound event types
const (
	EventPresence       = "presence"
	EventMessageCreated = "message_created"
	EventMessageUpdated = "message_updated"
	EventError          = "error"
)

// Inbound is the envelope for client-originated events. Fields beyond
// Type are populated per event type; unused fields are zero.
type Inbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"cid,omitempty"`
	MessageID      string `json:"msgId,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Text           string `json:"text,omitempty"`
	FileURL        string `json:"fileUrl,omitempty"`
	IsTyping       bool   `json:"isTyping,omitempty"`
}

// MessagePayload is the wire shape of a full message.
type MessagePayload struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"cid"`
	AuthorID       string      `json:"authorId"`
	Kind           string      `json:"kind"`
	Text           string      `json:"text,omitempty"`
	FileURL        string      `json:"fileUrl,omitempty"`
	DeliveredTo    store.IDSet `json:"deliveredTo"`
	ReadBy         store.IDSet `json:"readBy"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// NewMessagePayload converts a stored message into its wire shape.
func NewMessagePayload(msg *store.Message) MessagePayload {
	return MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		AuthorID:       msg.AuthorID,
		Kind:           msg.Kind,
		Text:           msg.Text,
		FileURL:        msg.FileURL,
		DeliveredTo:    msg.DeliveredTo,
		ReadBy:         msg.ReadBy,
		CreatedAt:      msg.CreatedAt,
	}
}

type presenceEvent struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	State      string    `json:"state"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type typingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"cid"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type messageCreatedEvent struct {
	Type string `json:"type"`
	MessagePayload
}

type messageUpdatedEvent struct {
	Type        string      `json:"type"`
	MessageID   string      `json:"msgId"`
	DeliveredTo store.IDSet `json:"deliveredTo,omitempty"`
	ReadBy      store.IDSet `json:"readBy,omitempty"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodePresence(userID, state string, lastSeen time.Time) []byte {
	return mustEncode(presenceEvent{
		Type:       EventPresence,
		UserID:     userID,
		State:      state,
		LastSeenAt: lastSeen,
	})
}

func encodeTyping(conversationID, userID string, isTyping bool) []byte {
	return mustEncode(typingEvent{
		Type:           EventTyping,
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}

func encodeMessageCreated(msg *store.Message) []byte {
	return mustEncode(messageCreatedEvent{
		Type:           EventMessageCreated,
		MessagePayload: NewMessagePayload(msg),
	})
}

func encodeDelivered(messageID string, deliveredTo store.IDSet) []byte {
	return mustEncode(messageUpdatedEvent{
		Type:        EventMessageUpdated,
		MessageID:   messageID,
		DeliveredTo: deliveredTo,
	})
}

func encodeRead(messageID string, readBy store.IDSet) []byte {
	return mustEncode(messageUpdatedEvent{
		Type:      EventMessageUpdated,
		MessageID: messageID,
		ReadBy:    readBy,
	})
}

func encodeError(code, message string) []byte {
	return mustEncode(errorEvent{
		Type:    EventError,
		Code:    code,
		Message: message,
	})
}

// mustEncode marshals an outbound event. The event structs contain only
// marshalable fields, so failure here is a programming error.
func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("realtime: encoding outbound event: " + err.Error())
	}
	return data
}
