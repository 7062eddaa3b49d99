package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted, Timestamp: time.Now(), Payload: MessageRef{ConversationID: "c1", MessageID: "m1"}})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageUpserted)
		}
		ref, ok := evt.Payload.(MessageRef)
		if !ok || ref.MessageID != "m1" {
			t.Errorf("payload = %#v, want MessageRef{m1}", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageNew})
	b.Publish(Event{Kind: KindTransportConnected})

	select {
	case evt := <-ch:
		if evt.Kind != KindTransportConnected {
			t.Errorf("got kind %q, want %q", evt.Kind, KindTransportConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the message event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Publish(Event{Kind: KindTransportConnected})
	b.Publish(Event{Kind: KindMessageNew})

	for _, want := range []Kind{KindTransportConnected, KindMessageNew} {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("got kind %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: KindMessageNew})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: KindMessageNew})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: KindMessageStatus})

	evt := <-ch
	if evt.Kind != KindMessageNew {
		t.Errorf("got %q, want %q", evt.Kind, KindMessageNew)
	}
}
