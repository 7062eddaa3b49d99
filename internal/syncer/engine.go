// Package syncer is the message sync engine: optimistic sends reconciled
// against server confirmations, transport event ingestion, and the
// snapshot fallback that takes over the open conversation while the
// transport is down. The two sources are mutually exclusive per
// conversation at any instant.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lfelipe-sa/chirp/internal/bus"
	"github.com/lfelipe-sa/chirp/internal/cache"
	"github.com/lfelipe-sa/chirp/internal/docstore"
	"github.com/lfelipe-sa/chirp/internal/model"
	"github.com/lfelipe-sa/chirp/internal/store"
)

// ErrAttachmentTooLarge is returned before any upload when a file exceeds
// the attachment cap.
var ErrAttachmentTooLarge = errors.New("syncer: attachment exceeds size limit")

// ErrNotRetryable is returned by Retry for messages that are not in the
// failed state.
var ErrNotRetryable = errors.New("syncer: message is not retryable")

// Channel is the slice of the transport client the engine drives:
// per-conversation channel interest for the currently open screen.
type Channel interface {
	Subscribe(conversationID string)
	Unsubscribe(conversationID string)
}

// Upload is a local file handed to the attachment store before a send.
type Upload struct {
	Name string
	Mime string
	Data []byte
}

// Options tunes the engine.
type Options struct {
	// WriteTimeout bounds every remote write so a hung request flips the
	// optimistic entry to failed instead of leaving it sending forever.
	WriteTimeout time.Duration
	// PageSize is the snapshot fallback page size.
	PageSize int
}

// Engine owns all Message mutation in the cache. The transport client and
// the snapshot fallback only ever produce confirmation events; optimistic
// entries are created here and nowhere else.
type Engine struct {
	cache       *cache.Cache
	remote      docstore.Store
	mirror      *store.DB // optional offline mirror
	channel     Channel
	notifier    docstore.Notifier        // optional
	attachments docstore.AttachmentStore // optional
	bus         *bus.Bus
	logger      *zap.Logger
	opts        Options
	cancel      context.CancelFunc

	mu          sync.Mutex
	userID      string
	openConv    string
	transportUp bool
	// snapGen invalidates in-flight snapshot ticks: teardown bumps it, and
	// a tick whose generation no longer matches is dropped before it can
	// touch the cache.
	snapGen    int
	snapCancel func()
}

// New creates a sync engine.
func New(c *cache.Cache, remote docstore.Store, mirror *store.DB, channel Channel, notifier docstore.Notifier, attachments docstore.AttachmentStore, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:       c,
		remote:      remote,
		mirror:      mirror,
		channel:     channel,
		notifier:    notifier,
		attachments: attachments,
		bus:         b,
		logger:      logger,
		opts:        opts,
	}
}

// Start subscribes to transport and message events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and tears down any snapshot fallback.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	e.stopSnapshotLocked()
	e.mu.Unlock()
}

// SetIdentity sets the current user. An empty id resets cached state.
func (e *Engine) SetIdentity(userID string) {
	e.mu.Lock()
	e.userID = userID
	e.stopSnapshotLocked()
	e.openConv = ""
	e.mu.Unlock()
	if userID == "" {
		e.cache.Reset()
	}
}

// SetOpenConversation points the engine at the conversation currently on
// screen: it drives the transport channel subscription and, while the
// transport is down, the snapshot fallback target. Empty id means no open
// conversation.
func (e *Engine) SetOpenConversation(convID string) {
	e.mu.Lock()
	prev := e.openConv
	if prev == convID {
		e.mu.Unlock()
		return
	}
	e.openConv = convID
	e.stopSnapshotLocked()
	if convID != "" && !e.transportUp {
		e.startSnapshotLocked(convID)
	}
	e.mu.Unlock()

	if prev != "" {
		e.channel.Unsubscribe(prev)
	}
	if convID != "" {
		e.channel.Subscribe(convID)
	}
}

// Send uploads any attachments, applies an optimistic entry, and performs
// the remote write. On failure the entry flips to failed so Retry can pick
// it up; the error is returned for the caller's retry affordance.
func (e *Engine) Send(ctx context.Context, peerID, text string, uploads []Upload) (model.Message, error) {
	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()

	convID := model.PairID(userID, peerID)

	attachments, err := e.uploadAll(ctx, uploads)
	if err != nil {
		return model.Message{}, err
	}

	e.ensureConversation(ctx, convID, userID, peerID)

	msg := model.Message{
		LocalID:        uuid.NewString(),
		ConversationID: convID,
		SenderID:       userID,
		Text:           text,
		Attachments:    attachments,
		Status:         model.StatusSending,
		CreatedAt:      time.Now(),
	}
	e.cache.ApplyOptimistic(msg)

	return e.write(ctx, convID, peerID, msg)
}

// Retry re-attempts a failed message using its original content and local
// id, so the eventual confirmation reconciles against the same entry.
func (e *Engine) Retry(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.Status != model.StatusFailed || msg.LocalID == "" {
		return model.Message{}, ErrNotRetryable
	}
	conv, ok := e.cache.Conversation(msg.ConversationID)
	if !ok {
		return model.Message{}, fmt.Errorf("unknown conversation %s", msg.ConversationID)
	}

	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()

	msg.Status = model.StatusSending
	e.cache.MarkSendingOptimistic(msg.ConversationID, msg.LocalID)

	return e.write(ctx, msg.ConversationID, conv.Counterpart(userID), msg)
}

// Delete tombstones a message remotely and locally. The conversation
// summary is tombstoned only when the message was its last message.
func (e *Engine) Delete(ctx context.Context, convID, msgID string) error {
	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()
	if err := e.remote.MarkDeleted(wctx, convID, msgID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.cache.ApplyDeleted(convID, msgID)
	if e.mirror != nil {
		if err := e.mirror.MarkMessageDeleted(convID, msgID); err != nil {
			e.logger.Warn("mirror delete failed", zap.Error(err))
		}
	}
	e.publishUpserted(convID, msgID)
	return nil
}

// MarkRead zeroes the current user's unread counter for a conversation.
// Permission faults are expected when this races session teardown and are
// swallowed.
func (e *Engine) MarkRead(ctx context.Context, convID string) error {
	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()

	e.cache.ZeroUnread(convID, userID)

	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()
	if err := e.remote.ClearUnread(wctx, convID, userID); err != nil {
		if errors.Is(err, docstore.ErrPermissionDenied) {
			e.logger.Debug("mark read rejected during teardown", zap.String("conversation", convID))
			return nil
		}
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}

// Accept transitions a pending conversation request to active.
func (e *Engine) Accept(ctx context.Context, convID string) error {
	return e.patchStatus(ctx, convID, model.ConversationActive)
}

// Decline transitions a pending conversation request to declined.
func (e *Engine) Decline(ctx context.Context, convID string) error {
	return e.patchStatus(ctx, convID, model.ConversationDeclined)
}

func (e *Engine) patchStatus(ctx context.Context, convID string, status model.ConversationStatus) error {
	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()
	conv, err := e.remote.GetConversation(wctx, convID)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if conv.Status != model.ConversationPending {
		return fmt.Errorf("conversation %s is %s, not pending", convID, conv.Status)
	}
	conv.Status = status
	conv.UpdatedAt = time.Now()
	if err := e.remote.UpsertConversation(wctx, conv); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	e.cache.UpsertConversation(conv)
	return nil
}

func (e *Engine) uploadAll(ctx context.Context, uploads []Upload) ([]model.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if e.attachments == nil {
		return nil, errors.New("syncer: no attachment store configured")
	}
	out := make([]model.Attachment, 0, len(uploads))
	for _, u := range uploads {
		if len(u.Data) > model.MaxAttachmentSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrAttachmentTooLarge, u.Name, len(u.Data))
		}
		att, err := e.attachments.Upload(ctx, u.Name, u.Mime, u.Data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", u.Name, err)
		}
		out = append(out, att)
	}
	return out, nil
}

// ensureConversation creates the pending conversation on a first message
// attempt between two users.
func (e *Engine) ensureConversation(ctx context.Context, convID, userID, peerID string) {
	if _, ok := e.cache.Conversation(convID); ok {
		return
	}
	now := time.Now()
	conv := model.Conversation{
		ID:           convID,
		Participants: [2]string{userID, peerID},
		Status:       model.ConversationPending,
		InitiatorID:  userID,
		Unread:       map[string]int{userID: 0, peerID: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.cache.UpsertConversation(conv)

	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()
	if err := e.remote.UpsertConversation(wctx, conv); err != nil {
		e.logger.Warn("conversation create failed", zap.String("conversation", convID), zap.Error(err))
	}
}

func (e *Engine) write(ctx context.Context, convID, peerID string, msg model.Message) (model.Message, error) {
	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()

	confirmed, err := e.remote.AppendMessage(wctx, msg)
	if err != nil {
		sendsTotal.WithLabelValues("failed").Inc()
		e.cache.FailOptimistic(convID, msg.LocalID)
		e.logger.Error("message send failed",
			zap.String("conversation", convID),
			zap.String("local_id", msg.LocalID),
			zap.Error(err),
		)
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload:   bus.SendFailed{ConversationID: convID, LocalID: msg.LocalID, Err: err.Error()},
		})
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	if confirmed.Status == model.StatusSending || confirmed.Status == "" {
		confirmed.Status = model.StatusSent
	}

	sendsTotal.WithLabelValues("ok").Inc()
	e.cache.Confirm(convID, msg.LocalID, confirmed)
	e.cache.TouchLastMessage(convID, confirmed)
	e.cache.IncrementUnread(convID, peerID)

	if err := e.remote.IncrementUnread(wctx, convID, peerID); err != nil {
		e.logger.Warn("unread increment failed", zap.String("conversation", convID), zap.Error(err))
	}
	e.writeMirror(confirmed)
	e.notify(peerID, confirmed)
	e.publishUpserted(convID, confirmed.ID)
	return confirmed, nil
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportConnected:
		e.mu.Lock()
		e.transportUp = true
		// The fallback dies the instant the transport is back.
		e.stopSnapshotLocked()
		e.mu.Unlock()

	case bus.KindTransportDisconnected:
		e.mu.Lock()
		e.transportUp = false
		// Repeated disconnect events must not churn an already running
		// fallback subscription.
		if e.openConv != "" && e.snapCancel == nil {
			e.startSnapshotLocked(e.openConv)
		}
		e.mu.Unlock()

	case bus.KindMessageNew:
		p, ok := evt.Payload.(bus.MessageNew)
		if !ok {
			return
		}
		e.ingestNew(p)

	case bus.KindMessageStatus:
		p, ok := evt.Payload.(bus.MessageStatus)
		if !ok {
			return
		}
		e.cache.PatchStatus(p.ConversationID, p.MessageID, p.Status)
		if e.mirror != nil {
			if err := e.mirror.PatchMessageStatus(p.ConversationID, p.MessageID, p.Status); err != nil {
				e.logger.Warn("mirror status patch failed", zap.Error(err))
			}
		}
		e.publishUpserted(p.ConversationID, p.MessageID)

	case bus.KindMessageDeleted:
		p, ok := evt.Payload.(bus.MessageDeleted)
		if !ok {
			return
		}
		e.cache.ApplyDeleted(p.ConversationID, p.MessageID)
		if e.mirror != nil {
			if err := e.mirror.MarkMessageDeleted(p.ConversationID, p.MessageID); err != nil {
				e.logger.Warn("mirror delete failed", zap.Error(err))
			}
		}
		e.publishUpserted(p.ConversationID, p.MessageID)
	}
}

func (e *Engine) ingestNew(p bus.MessageNew) {
	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()

	msg := p.Message
	if msg.SenderID == userID && msg.LocalID != "" {
		// Echo of our own send: reconcile against the optimistic entry
		// instead of inserting a second copy.
		e.cache.Confirm(p.ConversationID, msg.LocalID, msg)
	} else {
		e.cache.ApplyNew(msg)
	}
	e.cache.TouchLastMessage(p.ConversationID, msg)
	e.writeMirror(msg)
	e.publishUpserted(p.ConversationID, msg.ID)
}

func (e *Engine) writeMirror(msg model.Message) {
	if e.mirror == nil || msg.ID == "" {
		return
	}
	if err := e.mirror.UpsertMessage(&msg); err != nil {
		e.logger.Warn("mirror upsert failed", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	if conv, ok := e.cache.Conversation(msg.ConversationID); ok {
		if err := e.mirror.UpsertConversation(&conv); err != nil {
			e.logger.Warn("mirror conversation upsert failed", zap.Error(err))
		}
	}
}

func (e *Engine) notify(recipientID string, msg model.Message) {
	if e.notifier == nil {
		return
	}
	preview := truncatePreview(msg.Text, previewLimit)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.notifier.Notify(ctx, recipientID, docstore.Summary{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Preview:        preview,
	})
	if err != nil {
		// Best effort only: a failed push never fails the send.
		e.logger.Warn("push notify failed", zap.String("recipient", recipientID), zap.Error(err))
	}
}

const previewLimit = 100

// truncatePreview cuts text to at most limit bytes without splitting a rune.
func truncatePreview(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func (e *Engine) publishUpserted(convID, msgID string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: convID, MessageID: msgID},
	})
}

// startSnapshotLocked activates the pull fallback for one conversation.
// Caller holds e.mu.
func (e *Engine) startSnapshotLocked(convID string) {
	e.stopSnapshotLocked()
	e.snapGen++
	gen := e.snapGen

	ctx, cancel := context.WithCancel(context.Background())
	ch, stop, err := e.remote.ListenMessages(ctx, convID, e.opts.PageSize)
	if err != nil {
		cancel()
		e.logger.Warn("snapshot subscription failed", zap.String("conversation", convID), zap.Error(err))
		return
	}
	e.snapCancel = func() {
		stop()
		cancel()
	}
	e.logger.Info("snapshot fallback active", zap.String("conversation", convID))

	go func() {
		for msgs := range ch {
			// The generation check and the page swap happen under the same
			// lock a teardown takes, so no tick lands after teardown.
			e.mu.Lock()
			if e.snapGen != gen {
				e.mu.Unlock()
				staleSnapshotDropsTotal.Inc()
				return
			}
			e.cache.ReplacePage(convID, msgs)
			e.mu.Unlock()
			snapshotTicksTotal.Inc()
			if len(msgs) > 0 {
				e.publishUpserted(convID, msgs[0].ID)
			}
		}
	}()
}

// stopSnapshotLocked tears the fallback down synchronously: the generation
// bump guarantees no in-flight tick mutates the cache afterwards. Caller
// holds e.mu.
func (e *Engine) stopSnapshotLocked() {
	e.snapGen++
	if e.snapCancel != nil {
		e.snapCancel()
		e.snapCancel = nil
	}
}
