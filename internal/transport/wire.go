package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lfelipe-sa/chirp/internal/model"
)

// EventType names a wire event. The inbound set consumed here is closed;
// anything else is counted and dropped.
type EventType string

const (
	// Client → server.
	TypeSubscribe   EventType = "conversation:subscribe"
	TypeUnsubscribe EventType = "conversation:unsubscribe"
	TypeTypingStart EventType = "typing:start"
	TypeTypingStop  EventType = "typing:stop"

	// Server → client.
	TypeMessageNew     EventType = "message:new"
	TypeMessageStatus  EventType = "message:status"
	TypeMessageDeleted EventType = "message:deleted"
)

// Envelope is the JSON frame exchanged with the message server.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// SubscribePayload is the body of conversation:subscribe|unsubscribe.
type SubscribePayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the body of typing:start|stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessageNewPayload is the body of message:new.
type MessageNewPayload struct {
	ConversationID string        `json:"conversationId"`
	Message        model.Message `json:"message"`
}

// MessageStatusPayload is the body of message:status.
type MessageStatusPayload struct {
	ConversationID string              `json:"conversationId"`
	MessageID      string              `json:"messageId"`
	Status         model.MessageStatus `json:"status"`
}

// MessageDeletedPayload is the body of message:deleted.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	DeletedByName  string `json:"deletedByName"`
}

// encodeEnvelope marshals an outbound frame.
func encodeEnvelope(typ EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}
