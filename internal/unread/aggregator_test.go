package unread

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfelipe-sa/chirp/internal/bus"
	"github.com/lfelipe-sa/chirp/internal/docstore"
	"github.com/lfelipe-sa/chirp/internal/model"
	"github.com/lfelipe-sa/chirp/internal/notify"
)

type fakeStore struct {
	mu           sync.Mutex
	convCh       chan []model.Conversation
	stops        int
	profileCalls map[string]int
	failProfile  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profileCalls: make(map[string]int),
		failProfile:  make(map[string]bool),
	}
}

func (f *fakeStore) ListenConversations(ctx context.Context, userID string) (<-chan []model.Conversation, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCh = make(chan []model.Conversation, 4)
	ch := f.convCh
	return ch, func() {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
	}, nil
}

func (f *fakeStore) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls[userID]++
	if f.failProfile[userID] {
		return model.Profile{}, fmt.Errorf("profile %s unavailable", userID)
	}
	return model.Profile{ID: userID, Name: "Real " + userID}, nil
}

func (f *fakeStore) ListenMessages(ctx context.Context, conversationID string, limit int) (<-chan []model.Message, func(), error) {
	return nil, nil, fmt.Errorf("not used")
}
func (f *fakeStore) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	return model.Conversation{}, fmt.Errorf("not used")
}
func (f *fakeStore) UpsertConversation(ctx context.Context, conv model.Conversation) error {
	return nil
}
func (f *fakeStore) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	return msg, nil
}
func (f *fakeStore) PatchMessageStatus(ctx context.Context, conversationID, messageID string, status model.MessageStatus) error {
	return nil
}
func (f *fakeStore) MarkDeleted(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (f *fakeStore) IncrementUnread(ctx context.Context, conversationID, userID string) error {
	return nil
}
func (f *fakeStore) ClearUnread(ctx context.Context, conversationID, userID string) error {
	return nil
}

var _ docstore.Store = (*fakeStore)(nil)

func conv(id, a, b string, unreadA int, updated time.Time) model.Conversation {
	return model.Conversation{
		ID:           id,
		Participants: [2]string{a, b},
		Status:       model.ConversationActive,
		Unread:       map[string]int{a: unreadA},
		UpdatedAt:    updated,
	}
}

func testAggregator(t *testing.T, remote *fakeStore) (*Aggregator, *notify.Machine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := notify.NewMachine(b, nil, nil)
	a := New(remote, m, b, nil)
	require.NoError(t, a.SetIdentity(context.Background(), "alice"))
	t.Cleanup(a.Stop)
	return a, m, b
}

func push(t *testing.T, remote *fakeStore, convs []model.Conversation) {
	t.Helper()
	remote.mu.Lock()
	ch := remote.convCh
	remote.mu.Unlock()
	select {
	case ch <- convs:
	case <-time.After(time.Second):
		t.Fatal("conversation channel full")
	}
}

func waitState(t *testing.T, m *notify.Machine, cond func(notify.State) bool) notify.State {
	t.Helper()
	var last notify.State
	require.Eventually(t, func() bool {
		last = m.State()
		return cond(last)
	}, time.Second, 10*time.Millisecond)
	return last
}

func TestUpdateFiltersAndRanks(t *testing.T) {
	remote := newFakeStore()
	_, m, b := testAggregator(t, remote)

	peersCh, unsub := b.Subscribe(string(bus.KindUnreadPeers), 8)
	defer unsub()

	now := time.Now()
	push(t, remote, []model.Conversation{
		conv("alice_carol", "alice", "carol", 1, now.Add(-time.Minute)),
		conv("alice_dave", "alice", "dave", 0, now),
		conv("alice_bob", "alice", "bob", 3, now),
	})

	st := waitState(t, m, func(s notify.State) bool { return len(s.Peers) == 2 })
	assert.Equal(t, notify.VisibilityCompact, st.Visibility)
	assert.Equal(t, "alice_bob", st.Peers[0].Conversation.ID, "most recently updated first")
	assert.Equal(t, "Real bob", st.Peers[0].Profile.Name)
	assert.Equal(t, 3, st.Peers[0].UnreadCount)
	assert.Equal(t, "alice_carol", st.Peers[1].Conversation.ID)

	select {
	case evt := <-peersCh:
		p := evt.Payload.(bus.PeersUpdate)
		assert.Len(t, p.Peers, 2)
	case <-time.After(time.Second):
		t.Fatal("no unread.peers event")
	}
}

func TestEmptyUpdateHidesPanel(t *testing.T) {
	remote := newFakeStore()
	_, m, _ := testAggregator(t, remote)

	push(t, remote, []model.Conversation{conv("alice_bob", "alice", "bob", 1, time.Now())})
	waitState(t, m, func(s notify.State) bool { return s.Visibility == notify.VisibilityCompact })

	push(t, remote, []model.Conversation{conv("alice_bob", "alice", "bob", 0, time.Now())})
	waitState(t, m, func(s notify.State) bool { return s.Visibility == notify.VisibilityHidden })
}

func TestProfileCachedAcrossUpdates(t *testing.T) {
	remote := newFakeStore()
	_, m, _ := testAggregator(t, remote)

	now := time.Now()
	push(t, remote, []model.Conversation{conv("alice_bob", "alice", "bob", 1, now)})
	waitState(t, m, func(s notify.State) bool { return len(s.Peers) == 1 })

	push(t, remote, []model.Conversation{conv("alice_bob", "alice", "bob", 2, now.Add(time.Second))})
	waitState(t, m, func(s notify.State) bool { return len(s.Peers) == 1 && s.Peers[0].UnreadCount == 2 })

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.profileCalls["bob"], "profile fetched once per session")
}

func TestProfileFailureYieldsPlaceholderAndRetries(t *testing.T) {
	remote := newFakeStore()
	remote.failProfile["bob"] = true
	_, m, _ := testAggregator(t, remote)

	now := time.Now()
	push(t, remote, []model.Conversation{conv("alice_bob", "alice", "bob", 1, now)})
	st := waitState(t, m, func(s notify.State) bool { return len(s.Peers) == 1 })
	assert.Equal(t, model.PlaceholderProfile("bob").Name, st.Peers[0].Profile.Name, "peer survives a failed lookup")

	// The store recovers; the next update retries instead of pinning the
	// placeholder for the session.
	remote.mu.Lock()
	remote.failProfile["bob"] = false
	remote.mu.Unlock()
	push(t, remote, []model.Conversation{conv("alice_bob", "alice", "bob", 2, now.Add(time.Second))})
	waitState(t, m, func(s notify.State) bool {
		return len(s.Peers) == 1 && s.Peers[0].Profile.Name == "Real bob"
	})
}

func TestOpenConversationSuppressesItsBadge(t *testing.T) {
	remote := newFakeStore()
	a, m, _ := testAggregator(t, remote)

	now := time.Now()
	push(t, remote, []model.Conversation{
		conv("alice_bob", "alice", "bob", 1, now),
		conv("alice_carol", "alice", "carol", 1, now.Add(-time.Minute)),
	})
	waitState(t, m, func(s notify.State) bool { return len(s.Peers) == 2 })

	a.SetOpenConversation("alice_bob")
	st := waitState(t, m, func(s notify.State) bool { return s.Visibility == notify.VisibilityHidden })
	assert.Len(t, st.Peers, 1, "re-filtered from the last snapshot without a new tick")
	assert.Equal(t, "alice_carol", st.Peers[0].Conversation.ID)

	a.SetOpenConversation("")
	waitState(t, m, func(s notify.State) bool { return s.Visibility == notify.VisibilityCompact })
}

func TestLogoutResetsPanel(t *testing.T) {
	remote := newFakeStore()
	a, m, _ := testAggregator(t, remote)

	push(t, remote, []model.Conversation{conv("alice_bob", "alice", "bob", 1, time.Now())})
	waitState(t, m, func(s notify.State) bool { return s.Visibility == notify.VisibilityCompact })

	remote.mu.Lock()
	staleCh := remote.convCh
	remote.mu.Unlock()
	require.NoError(t, a.SetIdentity(context.Background(), ""))
	assert.Equal(t, notify.Initial(), m.State())

	remote.mu.Lock()
	stops := remote.stops
	remote.mu.Unlock()
	assert.Equal(t, 1, stops, "subscription torn down at logout")

	// A straggler tick from the old subscription must not revive the panel.
	select {
	case staleCh <- []model.Conversation{conv("alice_bob", "alice", "bob", 5, time.Now())}:
	default:
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, notify.Initial(), m.State())
}
