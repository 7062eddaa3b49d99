package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lfelipe-sa/chirp/internal/bus"
	"github.com/lfelipe-sa/chirp/internal/model"
)

func TestNextDelaySchedule(t *testing.T) {
	initial := 2 * time.Second
	max := 60 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // capped
		{7, 60 * time.Second},
		{50, 60 * time.Second}, // no overflow at high counts
	}
	for _, tt := range tests {
		if got := NextDelay(tt.attempt, initial, max); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// wsServer is a minimal message server for exercising the client.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	inbound  []Envelope
	tokens   []string
	connCh   chan *websocket.Conn
	frameCh  chan Envelope
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		connCh:  make(chan *websocket.Conn, 4),
		frameCh: make(chan Envelope, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()
		s.connCh <- conn
		go func() {
			for {
				var env Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				s.mu.Lock()
				s.inbound = append(s.inbound, env)
				s.mu.Unlock()
				s.frameCh <- env
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) addr() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func (s *wsServer) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

func (s *wsServer) push(t *testing.T, conn *websocket.Conn, typ EventType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env := Envelope{Type: typ, Payload: raw, Timestamp: time.Now().UnixMilli()}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
}

func testClient(t *testing.T, s *wsServer, b *bus.Bus) *Client {
	t.Helper()
	c := New(Options{
		Address:        s.addr(),
		AuthToken:      "tok-1",
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}, b, nil)
	t.Cleanup(c.Disconnect)
	return c
}

func waitFrame(t *testing.T, s *wsServer, typ EventType) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.frameCh:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s frame", typ)
		}
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind bus.Kind) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func TestConnectSendsAuthToken(t *testing.T) {
	s := newWSServer(t)
	c := testClient(t, s, bus.New())

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	<-s.connCh
	if got := s.lastToken(); got != "tok-1" {
		t.Errorf("token = %q, want tok-1", got)
	}
	if c.State() != Connected {
		t.Errorf("state = %s, want connected", c.State())
	}
}

func TestConnectIdempotent(t *testing.T) {
	s := newWSServer(t)
	c := testClient(t, s, bus.New())

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	<-s.connCh
	// Second connect must be a no-op, not a second dial.
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.connCh:
		t.Error("second Connect() opened a second connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeBufferedUntilConnect(t *testing.T) {
	s := newWSServer(t)
	c := testClient(t, s, bus.New())

	// Subscribe before the connection exists.
	c.Subscribe("conv-1")
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	<-s.connCh

	env := waitFrame(t, s, TypeSubscribe)
	var p SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.ConversationID != "conv-1" {
		t.Errorf("subscribed to %q, want conv-1", p.ConversationID)
	}
}

func TestSubscribeReplayedOnReconnect(t *testing.T) {
	s := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()
	c := testClient(t, s, b)

	c.Subscribe("conv-1")
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	conn := <-s.connCh
	waitFrame(t, s, TypeSubscribe)
	waitEvent(t, ch, bus.KindTransportConnected)

	// Server drops the connection; the client must reconnect and replay.
	_ = conn.Close()
	waitEvent(t, ch, bus.KindTransportDisconnected)
	<-s.connCh
	waitEvent(t, ch, bus.KindTransportConnected)
	waitFrame(t, s, TypeSubscribe)
}

func TestSendWhileDisconnectedDropped(t *testing.T) {
	s := newWSServer(t)
	c := testClient(t, s, bus.New())

	err := c.Send(TypeTypingStart, TypingPayload{ConversationID: "conv-1", UserID: "alice"})
	if err != ErrNotConnected {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestInboundMessageNewPublished(t *testing.T) {
	s := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()
	c := testClient(t, s, b)

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	conn := <-s.connCh

	s.push(t, conn, TypeMessageNew, MessageNewPayload{
		ConversationID: "conv-1",
		Message: model.Message{
			ID:             "srv-1",
			ConversationID: "conv-1",
			SenderID:       "bob",
			Text:           "hey",
			Status:         model.StatusSent,
			CreatedAt:      time.Now(),
		},
	})

	evt := waitEvent(t, ch, bus.KindMessageNew)
	p, ok := evt.Payload.(bus.MessageNew)
	if !ok {
		t.Fatalf("payload = %#v, want bus.MessageNew", evt.Payload)
	}
	if p.Message.ID != "srv-1" || p.ConversationID != "conv-1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestMalformedFrameDoesNotDisconnect(t *testing.T) {
	s := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()
	c := testClient(t, s, b)

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	conn := <-s.connCh

	// Garbage frame, then a valid one. The valid one must still arrive.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	s.push(t, conn, TypeMessageDeleted, MessageDeletedPayload{
		ConversationID: "conv-1", MessageID: "srv-9", DeletedByName: "Bob",
	})

	evt := waitEvent(t, ch, bus.KindMessageDeleted)
	p := evt.Payload.(bus.MessageDeleted)
	if p.MessageID != "srv-9" {
		t.Errorf("MessageID = %q, want srv-9", p.MessageID)
	}
	if c.State() != Connected {
		t.Errorf("state = %s, want connected after malformed frame", c.State())
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	s := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()
	c := testClient(t, s, b)

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	<-s.connCh
	waitEvent(t, ch, bus.KindTransportConnected)

	c.Disconnect()
	if c.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", c.State())
	}

	// Several backoff intervals pass with no reconnect attempt.
	select {
	case <-s.connCh:
		t.Error("client reconnected after intentional Disconnect")
	case evt := <-ch:
		if evt.Kind == bus.KindTransportConnected {
			t.Error("unexpected reconnect event after Disconnect")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectDuringDialWins(t *testing.T) {
	// A server that holds the websocket handshake until released, keeping
	// the client's dial in flight.
	release := make(chan struct{})
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()
	c := New(Options{
		Address:        strings.TrimPrefix(srv.URL, "http://"),
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}, b, nil)
	t.Cleanup(c.Disconnect)

	done := make(chan error, 1)
	go func() { done <- c.Connect() }()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != Connecting {
		if time.Now().After(deadline) {
			t.Fatal("client never entered connecting state")
		}
		time.Sleep(time.Millisecond)
	}

	// Intentional disconnect while the dial is still in flight, then let
	// the handshake complete. The late-arriving connection must not win.
	c.Disconnect()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := c.State(); got != Disconnected {
		t.Errorf("state after Disconnect during dial = %s, want disconnected", got)
	}
	if err := c.Send(TypeTypingStart, TypingPayload{ConversationID: "conv-1"}); err != ErrNotConnected {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	select {
	case evt := <-ch:
		if evt.Kind == bus.KindTransportConnected {
			t.Error("connected event published despite intentional Disconnect")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForegroundForcesReconnect(t *testing.T) {
	s := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()
	c := testClient(t, s, b)

	c.Disconnect() // intentional, reconnects suppressed
	c.OnForeground()

	<-s.connCh
	waitEvent(t, ch, bus.KindTransportConnected)
}
