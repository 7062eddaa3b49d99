package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lfelipe-sa/chirp/internal/bus"
	"github.com/lfelipe-sa/chirp/internal/cache"
	"github.com/lfelipe-sa/chirp/internal/localstore"
	"github.com/lfelipe-sa/chirp/internal/lock"
	"github.com/lfelipe-sa/chirp/internal/model"
	"github.com/lfelipe-sa/chirp/internal/notify"
	"github.com/lfelipe-sa/chirp/internal/store"
	"github.com/lfelipe-sa/chirp/internal/syncer"
	"github.com/lfelipe-sa/chirp/internal/unread"
)

type noopChannel struct{}

func (noopChannel) Subscribe(conversationID string)   {}
func (noopChannel) Unsubscribe(conversationID string) {}

// TestStandaloneEndToEnd wires the real components the way the fx module
// does in standalone mode and runs one send through the whole pipeline:
// alice's engine writes to the local store, bob's aggregator picks up the
// unread conversation and surfaces it as a compact notification.
func TestStandaloneEndToEnd(t *testing.T) {
	dir := t.TempDir()

	lk, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(dir, "chirp.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	local := localstore.New(db, 20*time.Millisecond, nil)
	b := bus.New()

	engine := syncer.New(cache.New(), local, nil, noopChannel{}, nil, nil, b, nil, syncer.Options{
		WriteTimeout: time.Second,
	})
	engine.SetIdentity("alice")

	confirmed, err := engine.Send(context.Background(), "bob", "hello bob", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if confirmed.ID == "" {
		t.Fatal("confirmed message has no id")
	}

	machine := notify.NewMachine(b, engine.MarkRead, nil)
	agg := unread.New(local, machine, b, nil)
	if err := agg.SetIdentity(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	defer agg.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := machine.State()
		if st.Visibility == notify.VisibilityCompact && len(st.Peers) == 1 {
			p := st.Peers[0]
			if p.Conversation.ID != model.PairID("alice", "bob") {
				t.Errorf("peer conversation = %q", p.Conversation.ID)
			}
			if p.UnreadCount != 1 {
				t.Errorf("unread = %d, want 1", p.UnreadCount)
			}
			if p.Profile.ID != "alice" {
				t.Errorf("peer profile = %q, want alice", p.Profile.ID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification never surfaced, state = %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestSecondDaemonRefused covers the lock path the fx module takes on
// startup: a second daemon on the same profile directory must not start.
func TestSecondDaemonRefused(t *testing.T) {
	dir := t.TempDir()

	lk, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(dir); err == nil {
		t.Fatal("second Acquire() succeeded, want lock held error")
	}
}
