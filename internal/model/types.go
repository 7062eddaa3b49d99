package model

import (
	"sort"
	"strings"
	"time"
)

// ConversationStatus tracks the contact-request lifecycle of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationPending  ConversationStatus = "pending"
	ConversationDeclined ConversationStatus = "declined"
)

// MessageStatus is the delivery state of a message as seen locally.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// AttachmentType classifies a message attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVoice AttachmentType = "voice"
	AttachmentFile  AttachmentType = "file"
)

// TombstoneText replaces the body of a deleted message.
const TombstoneText = "This message was deleted"

// MaxAttachmentSize is the upload cap enforced before a send.
const MaxAttachmentSize = 5 << 20

// PairID derives the deterministic conversation id for two participants.
// The same two users always map to the same conversation regardless of
// who initiates.
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Attachment is a stable reference to an uploaded file.
type Attachment struct {
	ID       string         `json:"id"`
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	Size     int64          `json:"size"`
	Mime     string         `json:"mime"`
	Duration float64        `json:"duration,omitempty"`
}

// Message is a single chat message. LocalID is set only on entries this
// client created and is used to reconcile the optimistic copy against the
// server-confirmed one; it never survives into the mirror.
type Message struct {
	ID             string        `json:"id"`
	LocalID        string        `json:"localId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Status         MessageStatus `json:"status"`
	Deleted        bool          `json:"deleted"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// LastMessage summarizes a conversation's most recent message.
type LastMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	Type      string    `json:"type"`
	Deleted   bool      `json:"deleted"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a two-party conversation summary. Unread maps each
// participant id to that participant's unread count.
type Conversation struct {
	ID           string             `json:"id"`
	Participants [2]string          `json:"participants"`
	Status       ConversationStatus `json:"status"`
	InitiatorID  string             `json:"initiatorId"`
	LastMessage  LastMessage        `json:"lastMessage"`
	Unread       map[string]int     `json:"unread"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Counterpart returns the participant that is not userID.
func (c *Conversation) Counterpart(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// UnreadFor returns userID's unread count, zero if absent.
func (c *Conversation) UnreadFor(userID string) int {
	if c.Unread == nil {
		return 0
	}
	return c.Unread[userID]
}

// Profile is a counterpart user profile resolved from the document store.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// PlaceholderProfile stands in when a profile fetch fails so the unread
// list never drops a peer over one bad lookup.
func PlaceholderProfile(userID string) Profile {
	return Profile{ID: userID, Name: "Unknown"}
}

// Peer pairs a conversation that has unread messages with its resolved
// counterpart profile. Computed by the unread aggregator, never persisted.
type Peer struct {
	Conversation Conversation
	Profile      Profile
	UnreadCount  int
}
