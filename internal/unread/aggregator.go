// Package unread aggregates the live conversation list into the ranked
// peer list behind the floating notification panel. It is a read path of
// its own over the document store, independent of the transport client, so
// unread badges stay correct while the live connection is down.
package unread

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfelipe-sa/chirp/internal/bus"
	"github.com/lfelipe-sa/chirp/internal/docstore"
	"github.com/lfelipe-sa/chirp/internal/model"
	"github.com/lfelipe-sa/chirp/internal/notify"
)

const profileFetchTimeout = 10 * time.Second

// Aggregator subscribes to the document store's conversation list for the
// current user and feeds filtered peer updates into the notify machine.
type Aggregator struct {
	remote  docstore.Store
	machine *notify.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	userID   string
	openConv string
	// profiles caches counterpart lookups for the session. Entries are
	// never evicted; profiles are small and staleness is acceptable.
	profiles map[string]model.Profile
	// last is the most recent raw conversation list, kept so changing the
	// open conversation can re-filter without waiting for the next tick.
	last []model.Conversation
	// gen invalidates ticks from a torn-down subscription.
	gen    int
	cancel func()
}

// New creates an aggregator. It is idle until SetIdentity.
func New(remote docstore.Store, machine *notify.Machine, b *bus.Bus, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		remote:   remote,
		machine:  machine,
		bus:      b,
		logger:   logger,
		profiles: make(map[string]model.Profile),
	}
}

// SetIdentity points the aggregator at a user, replacing any previous
// subscription. An empty id is logout: the subscription is torn down and
// the notification panel resets to hidden.
func (a *Aggregator) SetIdentity(ctx context.Context, userID string) error {
	a.mu.Lock()
	a.teardownLocked()
	a.userID = userID
	a.profiles = make(map[string]model.Profile)
	a.last = nil
	if userID == "" {
		a.mu.Unlock()
		a.machine.Reset()
		return nil
	}
	gen := a.gen

	subCtx, cancel := context.WithCancel(ctx)
	ch, stop, err := a.remote.ListenConversations(subCtx, userID)
	if err != nil {
		cancel()
		a.mu.Unlock()
		return err
	}
	a.cancel = func() {
		stop()
		cancel()
	}
	a.mu.Unlock()

	a.logger.Info("unread aggregator subscribed", zap.String("user", userID))
	go func() {
		for convs := range ch {
			a.handleUpdate(gen, convs)
		}
	}()
	return nil
}

// Stop tears down the subscription without resetting the panel.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.teardownLocked()
	a.mu.Unlock()
}

// SetOpenConversation records which conversation the screen layer has open
// and re-filters immediately, so the open thread's badge disappears without
// waiting for the store.
func (a *Aggregator) SetOpenConversation(convID string) {
	a.mu.Lock()
	a.openConv = convID
	gen := a.gen
	convs := a.last
	a.mu.Unlock()

	a.machine.Apply(notify.OpenConversation{ID: convID})
	if convs != nil {
		a.handleUpdate(gen, convs)
	}
}

func (a *Aggregator) handleUpdate(gen int, convs []model.Conversation) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.last = convs
	userID := a.userID
	openConv := a.openConv
	a.mu.Unlock()

	var filtered []model.Conversation
	for _, conv := range convs {
		if conv.ID == openConv {
			continue
		}
		if conv.UnreadFor(userID) <= 0 {
			continue
		}
		filtered = append(filtered, conv)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt)
	})

	peers := make([]model.Peer, 0, len(filtered))
	for _, conv := range filtered {
		counterpart := conv.Counterpart(userID)
		peers = append(peers, model.Peer{
			Conversation: conv,
			Profile:      a.profileFor(counterpart),
			UnreadCount:  conv.UnreadFor(userID),
		})
	}

	// The subscription may have been replaced while profiles were fetched.
	a.mu.Lock()
	stale := gen != a.gen
	a.mu.Unlock()
	if stale {
		return
	}

	updatesTotal.Inc()
	a.machine.Apply(notify.PeersUpdated{Peers: peers})
	if a.bus != nil {
		a.bus.Publish(bus.Event{
			Kind:      bus.KindUnreadPeers,
			Timestamp: time.Now(),
			Payload:   bus.PeersUpdate{Peers: peers},
		})
	}
}

// profileFor resolves a counterpart profile through the session cache. A
// failed fetch yields a placeholder and is not cached, so a later update
// retries; the peer is never dropped over one bad lookup.
func (a *Aggregator) profileFor(userID string) model.Profile {
	a.mu.Lock()
	if p, ok := a.profiles[userID]; ok {
		a.mu.Unlock()
		return p
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), profileFetchTimeout)
	defer cancel()
	p, err := a.remote.GetProfile(ctx, userID)
	if err != nil {
		profileFetchesTotal.WithLabelValues("failed").Inc()
		a.logger.Warn("profile fetch failed", zap.String("user", userID), zap.Error(err))
		return model.PlaceholderProfile(userID)
	}
	profileFetchesTotal.WithLabelValues("ok").Inc()

	a.mu.Lock()
	a.profiles[userID] = p
	a.mu.Unlock()
	return p
}

func (a *Aggregator) teardownLocked() {
	a.gen++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}
