// Package cache holds the live in-memory view of conversations and message
// pages. It is the single merge point for optimistic local writes, transport
// events, and snapshot fallback pages. All mutation goes through the methods
// below; consumers only ever see copies.
package cache

import (
	"sort"
	"sync"

	"github.com/lfelipe-sa/chirp/internal/model"
)

// Cache is safe for concurrent use. Pages are kept ordered by creation time
// descending (most recent first).
type Cache struct {
	mu    sync.RWMutex
	convs map[string]*model.Conversation
	pages map[string][]model.Message

	// reconciled maps local ids that have already been confirmed to their
	// store-assigned ids. A confirmation arriving before its optimistic
	// apply finishes must win: ApplyOptimistic consults this map so
	// apply-then-reconcile commutes.
	reconciled map[string]string
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		convs:      make(map[string]*model.Conversation),
		pages:      make(map[string][]model.Message),
		reconciled: make(map[string]string),
	}
}

// UpsertConversation inserts or replaces a conversation summary.
func (c *Cache) UpsertConversation(conv model.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := conv
	c.convs[conv.ID] = &cp
}

// Conversation returns a conversation summary by id.
func (c *Cache) Conversation(id string) (model.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *conv, true
}

// Conversations returns all summaries ordered by update time descending.
func (c *Cache) Conversations() []model.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Page returns a copy of the message page for a conversation.
func (c *Cache) Page(convID string) []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	page := c.pages[convID]
	out := make([]model.Message, len(page))
	copy(out, page)
	return out
}

// ApplyOptimistic prepends a locally created message with status sending.
// If the message's local id was already confirmed (the confirmation beat
// the optimistic apply), the entry is dropped: the confirmed copy is
// already in the page.
func (c *Cache) ApplyOptimistic(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.reconciled[msg.LocalID]; done {
		return
	}
	c.pages[msg.ConversationID] = prepend(c.pages[msg.ConversationID], msg)
}

// Confirm replaces the optimistic entry identified by localID with the
// store-confirmed message. Idempotent: confirming the same local id twice,
// or confirming a server id already present, leaves exactly one entry.
func (c *Cache) Confirm(convID, localID string, confirmed model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciled[localID] = confirmed.ID

	page := c.pages[convID]
	byLocal := -1
	byServer := -1
	for i := range page {
		if page[i].LocalID == localID && page[i].ID == "" {
			byLocal = i
		}
		if page[i].ID == confirmed.ID {
			byServer = i
		}
	}
	confirmed.LocalID = localID
	switch {
	case byServer >= 0:
		// Confirmed copy already present (duplicate confirmation or the
		// transport echo landed first). Drop any remaining optimistic twin.
		page[byServer] = confirmed
		if byLocal >= 0 && byLocal != byServer {
			page = append(page[:byLocal], page[byLocal+1:]...)
		}
		c.pages[convID] = resort(page)
	case byLocal >= 0:
		page[byLocal] = confirmed
		c.pages[convID] = resort(page)
	default:
		c.pages[convID] = prepend(page, confirmed)
	}
}

// FailOptimistic flips an optimistic entry to failed so it can be retried.
func (c *Cache) FailOptimistic(convID, localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := c.pages[convID]
	for i := range page {
		if page[i].LocalID == localID && page[i].ID == "" {
			page[i].Status = model.StatusFailed
			return
		}
	}
}

// MarkSendingOptimistic flips a failed optimistic entry back to sending for
// a retry attempt.
func (c *Cache) MarkSendingOptimistic(convID, localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := c.pages[convID]
	for i := range page {
		if page[i].LocalID == localID && page[i].ID == "" {
			page[i].Status = model.StatusSending
			return
		}
	}
}

// RemoveOptimistic drops an unconfirmed optimistic entry.
func (c *Cache) RemoveOptimistic(convID, localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := c.pages[convID]
	for i := range page {
		if page[i].LocalID == localID && page[i].ID == "" {
			c.pages[convID] = append(page[:i], page[i+1:]...)
			return
		}
	}
}

// ApplyNew inserts a server-confirmed message delivered by the transport.
// Deduplicates on the store-assigned id: a second delivery patches the
// existing entry in place.
func (c *Cache) ApplyNew(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := c.pages[msg.ConversationID]
	for i := range page {
		if page[i].ID == msg.ID {
			local := page[i].LocalID
			page[i] = msg
			page[i].LocalID = local
			return
		}
	}
	c.pages[msg.ConversationID] = prepend(page, msg)
}

// PatchStatus updates the delivery status of a message by store id.
func (c *Cache) PatchStatus(convID, msgID string, status model.MessageStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := c.pages[convID]
	for i := range page {
		if page[i].ID == msgID {
			page[i].Status = status
			return
		}
	}
}

// ApplyDeleted tombstones a message: deleted flag set, text replaced, and
// attachments cleared. When the message is the conversation's current last
// message, the conversation summary is tombstoned too.
func (c *Cache) ApplyDeleted(convID, msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := c.pages[convID]
	for i := range page {
		if page[i].ID != msgID {
			continue
		}
		page[i].Deleted = true
		page[i].Text = model.TombstoneText
		page[i].Attachments = nil
		break
	}
	// The summary is matched by its stored message ID, not by the loaded
	// page: the deleted message may have scrolled out of the page while
	// still being the conversation's last message.
	if conv, ok := c.convs[convID]; ok {
		if conv.LastMessage.ID == msgID || (len(page) > 0 && page[0].ID == msgID) {
			conv.LastMessage.Text = model.TombstoneText
			conv.LastMessage.Deleted = true
		}
	}
}

// ReplacePage swaps in a snapshot page from the document store. Optimistic
// entries that are still unconfirmed are carried over on top of the
// snapshot; everything else is replaced wholesale (the snapshot is the
// source of truth while the transport is down).
func (c *Cache) ReplacePage(convID string, msgs []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var merged []model.Message
	for _, old := range c.pages[convID] {
		if old.ID == "" && old.LocalID != "" {
			if _, done := c.reconciled[old.LocalID]; !done {
				merged = append(merged, old)
			}
		}
	}
	merged = append(merged, msgs...)
	c.pages[convID] = resort(merged)
}

// ZeroUnread clears one participant's unread counter on the cached summary.
func (c *Cache) ZeroUnread(convID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.convs[convID]; ok && conv.Unread != nil {
		conv.Unread[userID] = 0
	}
}

// IncrementUnread bumps one participant's unread counter. Callers must pass
// the recipient, never the sender.
func (c *Cache) IncrementUnread(convID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[convID]
	if !ok {
		return
	}
	if conv.Unread == nil {
		conv.Unread = make(map[string]int)
	}
	conv.Unread[userID]++
}

// TouchLastMessage updates a conversation summary after a confirmed send or
// inbound message.
func (c *Cache) TouchLastMessage(convID string, msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[convID]
	if !ok {
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
}

// Reset drops all cached state. Called on logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs = make(map[string]*model.Conversation)
	c.pages = make(map[string][]model.Message)
	c.reconciled = make(map[string]string)
}

func prepend(page []model.Message, msg model.Message) []model.Message {
	page = append([]model.Message{msg}, page...)
	return resort(page)
}

func resort(page []model.Message) []model.Message {
	sort.SliceStable(page, func(i, j int) bool {
		return page[i].CreatedAt.After(page[j].CreatedAt)
	})
	return page
}
