// Package docstore defines the interfaces of the external collaborators the
// sync core consumes: the remote document store holding conversations and
// messages, the best-effort push notifier, and the attachment store. The
// core never implements the document store itself; implementations are
// injected at daemon construction and faked in tests.
package docstore

import (
	"context"
	"errors"

	"github.com/lfelipe-sa/chirp/internal/model"
)

// ErrPermissionDenied is returned by Store implementations when a write is
// rejected by security rules, typically a read/presence write racing against
// session invalidation. Callers on teardown paths swallow it.
var ErrPermissionDenied = errors.New("docstore: permission denied")

// Store is the remote persistent database for conversations and messages.
// Listen* methods establish live subscriptions: the returned channel
// receives the full current result set on every remote change, and the
// cancel function tears the subscription down synchronously: no value is
// delivered after cancel returns.
type Store interface {
	// ListenConversations subscribes to conversations where userID is a
	// participant, ordered by update time descending.
	ListenConversations(ctx context.Context, userID string) (<-chan []model.Conversation, func(), error)

	// ListenMessages subscribes to the latest page of messages in a
	// conversation, ordered by creation time descending.
	ListenMessages(ctx context.Context, conversationID string, limit int) (<-chan []model.Message, func(), error)

	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	UpsertConversation(ctx context.Context, conv model.Conversation) error

	GetProfile(ctx context.Context, userID string) (model.Profile, error)

	// AppendMessage persists a message and returns it with the
	// store-assigned id filled in.
	AppendMessage(ctx context.Context, msg model.Message) (model.Message, error)

	PatchMessageStatus(ctx context.Context, conversationID, messageID string, status model.MessageStatus) error

	// MarkDeleted tombstones a message: deleted flag, tombstone text,
	// attachments cleared.
	MarkDeleted(ctx context.Context, conversationID, messageID string) error

	// IncrementUnread atomically bumps one participant's unread counter.
	IncrementUnread(ctx context.Context, conversationID, userID string) error

	// ClearUnread zeroes one participant's unread counter.
	ClearUnread(ctx context.Context, conversationID, userID string) error
}

// Notifier delivers a best-effort push notification. Failures must never
// abort the send that triggered them.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, summary Summary) error
}

// Summary is the notification payload for a new message.
type Summary struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName,omitempty"`
	Preview        string `json:"preview"`
}

// AttachmentStore uploads files and returns stable attachment references.
// Implementations reject payloads over model.MaxAttachmentSize.
type AttachmentStore interface {
	Upload(ctx context.Context, name, mime string, data []byte) (model.Attachment, error)
}
