package bus

import (
	"time"

	"github.com/lfelipe-sa/chirp/internal/model"
)

// Kind identifies a domain event. The set below is closed: producers only
// publish these constants and consumers switch over them, so no
// stringly-typed names cross package boundaries. Kinds are dot-namespaced
// so prefix subscription still applies.
type Kind string

const (
	// Transport lifecycle.
	KindTransportConnected    Kind = "transport.connected"
	KindTransportDisconnected Kind = "transport.disconnected"

	// Inbound server events, decoded by the transport client.
	KindMessageNew     Kind = "message.new"
	KindMessageStatus  Kind = "message.status"
	KindMessageDeleted Kind = "message.deleted"

	// Local sync outcomes.
	KindMessageUpserted   Kind = "message.upserted"
	KindMessageSendFailed Kind = "message.send_failed"

	// Aggregation output.
	KindUnreadPeers Kind = "unread.peers"
	KindNotifyState Kind = "notify.state"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// MessageNew is the payload for KindMessageNew.
type MessageNew struct {
	ConversationID string
	Message        model.Message
}

// MessageStatus is the payload for KindMessageStatus.
type MessageStatus struct {
	ConversationID string
	MessageID      string
	Status         model.MessageStatus
}

// MessageDeleted is the payload for KindMessageDeleted.
type MessageDeleted struct {
	ConversationID string
	MessageID      string
	DeletedByName  string
}

// MessageRef is the payload for KindMessageUpserted.
type MessageRef struct {
	ConversationID string
	MessageID      string
}

// SendFailed is the payload for KindMessageSendFailed.
type SendFailed struct {
	ConversationID string
	LocalID        string
	Err            string
}

// PeersUpdate is the payload for KindUnreadPeers.
type PeersUpdate struct {
	Peers []model.Peer
}

// NotifyState is the payload for KindNotifyState: the floating notification
// panel's current render state.
type NotifyState struct {
	Visibility         string
	Peers              []model.Peer
	ActiveConversation string
}
