package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfelipe-sa/chirp/internal/bus"
)

// MarkReadFunc zeroes the current user's unread counter for a conversation.
// Wired to the sync engine's MarkRead.
type MarkReadFunc func(ctx context.Context, conversationID string) error

// Machine owns a controller state, applies transitions under a mutex, runs
// their effects, and publishes the resulting state on the bus.
type Machine struct {
	bus      *bus.Bus
	markRead MarkReadFunc
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// NewMachine creates a machine in the initial hidden state.
func NewMachine(b *bus.Bus, markRead MarkReadFunc, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		bus:      b,
		markRead: markRead,
		logger:   logger,
		state:    Initial(),
	}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply runs one transition and returns the resulting state. Effects run
// before the state is published so a subscriber observing the new state can
// rely on the mark-read having been issued.
func (m *Machine) Apply(in Input) State {
	m.mu.Lock()
	next, effects := Transition(m.state, in)
	m.state = next
	m.mu.Unlock()

	for _, eff := range effects {
		m.run(eff)
	}
	m.publish(next)
	return next
}

// Reset returns the machine to the initial state. Used at logout.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = Initial()
	next := m.state
	m.mu.Unlock()
	m.publish(next)
}

func (m *Machine) run(eff Effect) {
	switch eff := eff.(type) {
	case EffectMarkRead:
		if m.markRead == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.markRead(ctx, eff.ConversationID); err != nil {
			// The panel already expanded; a failed clear only means the
			// counter comes back on the next aggregator update.
			m.logger.Warn("mark read effect failed",
				zap.String("conversation", eff.ConversationID),
				zap.Error(err),
			)
		}
	}
}

func (m *Machine) publish(s State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindNotifyState,
		Timestamp: time.Now(),
		Payload: bus.NotifyState{
			Visibility:         string(s.Visibility),
			Peers:              s.Peers,
			ActiveConversation: s.Active,
		},
	})
}
