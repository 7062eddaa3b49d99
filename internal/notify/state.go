// Package notify is the floating notification controller: a pure state
// machine over the unread peer list. Transition takes a state and an input
// and returns the next state plus the side effects the caller must run, so
// every rule is testable without goroutines or mocks.
package notify

import "github.com/lfelipe-sa/chirp/internal/model"

// Visibility is the panel's render mode.
type Visibility string

const (
	VisibilityHidden   Visibility = "hidden"
	VisibilityCompact  Visibility = "compact"
	VisibilityExpanded Visibility = "expanded"
)

// State is the controller's complete state. It is a value: Transition never
// mutates its input.
type State struct {
	Visibility Visibility
	// Peers is the list currently rendered, most recently updated first.
	Peers []model.Peer
	// Active is the conversation id of the highlighted peer, empty when none.
	Active string
	// OpenConversation suppresses the panel entirely while a conversation
	// screen is already showing that thread full-size.
	OpenConversation string
}

// Initial is the state at process start and after logout.
func Initial() State {
	return State{Visibility: VisibilityHidden}
}

// Input is a closed set: the concrete types below are the only
// implementations.
type Input interface{ isInput() }

// PeersUpdated carries a fresh filtered peer list from the aggregator.
type PeersUpdated struct{ Peers []model.Peer }

// Expand opens the panel on its active peer.
type Expand struct{}

// ExpandPeer opens the panel on a specific peer's conversation.
type ExpandPeer struct{ ConversationID string }

// Collapse shrinks the panel back to its compact badge.
type Collapse struct{}

// Hide dismisses the panel.
type Hide struct{}

// OpenConversation reports which conversation the screen layer has open
// full-size; empty means none.
type OpenConversation struct{ ID string }

func (PeersUpdated) isInput()     {}
func (Expand) isInput()           {}
func (ExpandPeer) isInput()       {}
func (Collapse) isInput()         {}
func (Hide) isInput()             {}
func (OpenConversation) isInput() {}

// Effect is a side effect the caller must perform after a transition. The
// set is closed like Input.
type Effect interface{ isEffect() }

// EffectMarkRead asks the caller to zero the current user's unread counter
// for a conversation. Emitted when expanding onto a peer.
type EffectMarkRead struct{ ConversationID string }

func (EffectMarkRead) isEffect() {}

// Transition applies one input to a state. Pure: no IO, no clock, no
// mutation of s.
func Transition(s State, in Input) (State, []Effect) {
	switch in := in.(type) {
	case PeersUpdated:
		return applyPeers(s, in.Peers)

	case Expand:
		if s.Visibility != VisibilityCompact || len(s.Peers) == 0 {
			return s, nil
		}
		next := s
		next.Visibility = VisibilityExpanded
		next.Active = pickActive(s.Active, s.Peers)
		return next, []Effect{EffectMarkRead{ConversationID: next.Active}}

	case ExpandPeer:
		if s.OpenConversation != "" || !contains(s.Peers, in.ConversationID) {
			return s, nil
		}
		next := s
		next.Visibility = VisibilityExpanded
		next.Active = in.ConversationID
		return next, []Effect{EffectMarkRead{ConversationID: in.ConversationID}}

	case Collapse:
		if s.Visibility != VisibilityExpanded {
			return s, nil
		}
		next := s
		if len(s.Peers) == 0 {
			next.Visibility = VisibilityHidden
			next.Active = ""
		} else {
			next.Visibility = VisibilityCompact
		}
		return next, nil

	case Hide:
		next := s
		next.Visibility = VisibilityHidden
		next.Peers = nil
		next.Active = ""
		return next, nil

	case OpenConversation:
		next := s
		next.OpenConversation = in.ID
		if in.ID != "" {
			next.Visibility = VisibilityHidden
			next.Active = ""
			return next, nil
		}
		if len(next.Peers) > 0 {
			next.Visibility = VisibilityCompact
			next.Active = pickActive(next.Active, next.Peers)
		} else {
			next.Visibility = VisibilityHidden
		}
		return next, nil
	}
	return s, nil
}

func applyPeers(s State, peers []model.Peer) (State, []Effect) {
	next := s

	if s.OpenConversation != "" {
		// A full-size conversation screen suppresses the panel outright.
		next.Peers = peers
		next.Visibility = VisibilityHidden
		next.Active = ""
		return next, nil
	}

	if s.Visibility == VisibilityExpanded {
		active := pickActive(s.Active, peers)
		if len(peers) == 0 || active != s.Active {
			// Freeze: expanding marks the active conversation read, which
			// would otherwise yank the panel away while the user is still
			// reading it. Retain the shown list, refresh matching ids only.
			next.Peers = refreshInPlace(s.Peers, peers)
			return next, nil
		}
		next.Peers = peers
		next.Active = active
		return next, nil
	}

	next.Peers = peers
	if len(peers) == 0 {
		next.Visibility = VisibilityHidden
		next.Active = ""
		return next, nil
	}
	next.Visibility = VisibilityCompact
	next.Active = pickActive(s.Active, peers)
	return next, nil
}

// pickActive prefers the previously active conversation when it survived
// the update, then the first (most recently updated) peer.
func pickActive(prev string, peers []model.Peer) string {
	if prev != "" && contains(peers, prev) {
		return prev
	}
	if len(peers) > 0 {
		return peers[0].Conversation.ID
	}
	return ""
}

func contains(peers []model.Peer, convID string) bool {
	for _, p := range peers {
		if p.Conversation.ID == convID {
			return true
		}
	}
	return false
}

// refreshInPlace keeps the shown list's membership and order, replacing
// entries whose conversation appears in the update so counts and profiles
// stay current.
func refreshInPlace(shown, fresh []model.Peer) []model.Peer {
	byID := make(map[string]model.Peer, len(fresh))
	for _, p := range fresh {
		byID[p.Conversation.ID] = p
	}
	out := make([]model.Peer, len(shown))
	for i, p := range shown {
		if updated, ok := byID[p.Conversation.ID]; ok {
			out[i] = updated
		} else {
			out[i] = p
		}
	}
	return out
}
