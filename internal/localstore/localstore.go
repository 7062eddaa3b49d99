// Package localstore implements docstore.Store on top of the profile's
// SQLite database. It backs the standalone daemon mode, where no remote
// document store is configured and both the source of truth and the mirror
// are the local file. Live subscriptions are emulated by polling.
package localstore

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lfelipe-sa/chirp/internal/docstore"
	"github.com/lfelipe-sa/chirp/internal/model"
	"github.com/lfelipe-sa/chirp/internal/store"
)

const defaultPollInterval = 2 * time.Second

// Store adapts a store.DB to the docstore.Store interface.
type Store struct {
	db       *store.DB
	interval time.Duration
	logger   *zap.Logger
}

var _ docstore.Store = (*Store)(nil)

// New creates a local store. interval <= 0 uses the default poll interval.
func New(db *store.DB, interval time.Duration, logger *zap.Logger) *Store {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, interval: interval, logger: logger}
}

// ListenConversations polls the conversation list for userID. The first
// snapshot is delivered immediately; later ones only when the result set
// changed. Cancel is synchronous.
func (s *Store) ListenConversations(ctx context.Context, userID string) (<-chan []model.Conversation, func(), error) {
	return listen(ctx, s.interval, func() ([]model.Conversation, error) {
		all, err := s.db.ListConversations(200, 0)
		if err != nil {
			return nil, err
		}
		var mine []model.Conversation
		for _, c := range all {
			if c.Participants[0] == userID || c.Participants[1] == userID {
				mine = append(mine, c)
			}
		}
		return mine, nil
	}, s.logger)
}

// ListenMessages polls the latest page of a conversation.
func (s *Store) ListenMessages(ctx context.Context, conversationID string, limit int) (<-chan []model.Message, func(), error) {
	return listen(ctx, s.interval, func() ([]model.Message, error) {
		return s.db.ListMessages(conversationID, 0, limit)
	}, s.logger)
}

// listen runs query on a ticker, pushing snapshots whenever the result
// changes. The returned cancel waits for the poll goroutine to exit, so no
// value is delivered after cancel returns.
func listen[T any](ctx context.Context, interval time.Duration, query func() ([]T, error), logger *zap.Logger) (<-chan []T, func(), error) {
	first, err := query()
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan []T, 1)
	ch <- first

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ch)
		prev := first
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := query()
				if err != nil {
					logger.Warn("local store poll failed", zap.Error(err))
					continue
				}
				if reflect.DeepEqual(prev, next) {
					continue
				}
				prev = next
				select {
				case ch <- next:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
	return ch, cancel, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	conv, err := s.db.GetConversation(id)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv == nil {
		return model.Conversation{}, fmt.Errorf("conversation %s not found", id)
	}
	return *conv, nil
}

func (s *Store) UpsertConversation(ctx context.Context, conv model.Conversation) error {
	return s.db.UpsertConversation(&conv)
}

// GetProfile returns the stored profile, or a minimal one derived from the
// user id. Standalone mode has no directory to consult.
func (s *Store) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	p, err := s.db.GetProfile(userID)
	if err != nil {
		return model.Profile{}, err
	}
	if p == nil {
		return model.Profile{ID: userID, Name: userID}, nil
	}
	return *p, nil
}

// AppendMessage persists the message, assigning a server id when the input
// carries none.
func (s *Store) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == model.StatusSending || msg.Status == "" {
		msg.Status = model.StatusSent
	}
	if err := s.db.UpsertMessage(&msg); err != nil {
		return model.Message{}, err
	}
	s.touchConversation(msg)
	return msg, nil
}

// touchConversation keeps the persisted conversation summary in step with
// the append. Without a mirror writer in standalone mode, nobody else
// updates the last_message columns.
func (s *Store) touchConversation(msg model.Message) {
	conv, err := s.db.GetConversation(msg.ConversationID)
	if err != nil || conv == nil {
		if err != nil {
			s.logger.Warn("summary load failed", zap.String("conversation", msg.ConversationID), zap.Error(err))
		}
		return
	}
	if msg.CreatedAt.Before(conv.LastMessage.Timestamp) {
		return
	}
	msgType := "text"
	if len(msg.Attachments) > 0 {
		msgType = string(msg.Attachments[0].Type)
	}
	conv.LastMessage = model.LastMessage{
		ID:        msg.ID,
		Text:      msg.Text,
		SenderID:  msg.SenderID,
		Type:      msgType,
		Deleted:   msg.Deleted,
		Timestamp: msg.CreatedAt,
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	if err := s.db.UpsertConversation(conv); err != nil {
		s.logger.Warn("summary upsert failed", zap.String("conversation", msg.ConversationID), zap.Error(err))
	}
}

func (s *Store) PatchMessageStatus(ctx context.Context, conversationID, messageID string, status model.MessageStatus) error {
	return s.db.PatchMessageStatus(conversationID, messageID, status)
}

func (s *Store) MarkDeleted(ctx context.Context, conversationID, messageID string) error {
	return s.db.MarkMessageDeleted(conversationID, messageID)
}

func (s *Store) IncrementUnread(ctx context.Context, conversationID, userID string) error {
	return s.db.IncrementUnread(conversationID, userID)
}

func (s *Store) ClearUnread(ctx context.Context, conversationID, userID string) error {
	return s.db.ClearUnread(conversationID, userID)
}
