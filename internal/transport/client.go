// Package transport owns the one logical websocket connection to the
// real-time message server. It decodes inbound wire frames into typed bus
// events and keeps the connection alive with capped exponential backoff.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lfelipe-sa/chirp/internal/bus"
)

// ErrNotConnected is returned by Send when no connection is open. Outbound
// events are never queued across disconnects.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection lifecycle state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// Options configures a Client.
type Options struct {
	// Address is the host:port of the message server.
	Address string
	// AuthToken is the bearer identity token sent as a query parameter on
	// every (re)connect.
	AuthToken string
	// TLS selects wss over ws.
	TLS bool

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Client maintains the live channel to the message server. All methods are
// safe for concurrent use.
type Client struct {
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	attempts       int
	reconnectTimer *time.Timer
	intentional    bool
	// subs is the desired subscription set, replayed on every connect so
	// calls made while disconnected are not lost.
	subs map[string]bool
}

// New creates a transport client. It does not connect.
func New(opts Options, b *bus.Bus, logger *zap.Logger) *Client {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		bus:    b,
		logger: logger,
		dialer: websocket.DefaultDialer,
		state:  Disconnected,
		subs:   make(map[string]bool),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection. Idempotent: a no-op when already connected
// or a connect is in flight. A failed dial schedules a backoff reconnect.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.intentional = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.wsURL(), nil)
	if err != nil {
		c.logger.Warn("transport dial failed", zap.Error(err))
		c.mu.Lock()
		c.state = Disconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.opts.Address, err)
	}

	c.mu.Lock()
	if c.intentional || c.state != Connecting {
		// Disconnect intervened while the dial was in flight; the new
		// connection must not undo it.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.state = Connected
	c.attempts = 0
	replay := make([]string, 0, len(c.subs))
	for id := range c.subs {
		replay = append(replay, id)
	}
	c.mu.Unlock()

	connectsTotal.Inc()
	c.logger.Info("transport connected", zap.String("address", c.opts.Address))
	c.bus.Publish(bus.Event{Kind: bus.KindTransportConnected, Timestamp: time.Now()})

	for _, id := range replay {
		if err := c.Send(TypeSubscribe, SubscribePayload{ConversationID: id}); err != nil {
			c.logger.Warn("subscribe replay failed", zap.String("conversation", id), zap.Error(err))
		}
	}

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection intentionally and cancels any pending
// reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		c.logger.Info("transport disconnected")
	}
}

// Subscribe registers interest in a conversation channel. Sent immediately
// when connected, otherwise buffered and replayed on the next connect.
func (c *Client) Subscribe(conversationID string) {
	c.mu.Lock()
	c.subs[conversationID] = true
	connected := c.state == Connected
	c.mu.Unlock()
	if connected {
		if err := c.Send(TypeSubscribe, SubscribePayload{ConversationID: conversationID}); err != nil {
			c.logger.Warn("subscribe send failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
}

// Unsubscribe removes interest in a conversation channel.
func (c *Client) Unsubscribe(conversationID string) {
	c.mu.Lock()
	delete(c.subs, conversationID)
	connected := c.state == Connected
	c.mu.Unlock()
	if connected {
		if err := c.Send(TypeUnsubscribe, SubscribePayload{ConversationID: conversationID}); err != nil {
			c.logger.Warn("unsubscribe send failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
}

// Send transmits an event immediately if connected. At-most-once: when not
// connected the event is dropped with a warning.
func (c *Client) Send(typ EventType, payload any) error {
	frame, err := encodeEnvelope(typ, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || c.conn == nil {
		droppedSendsTotal.Inc()
		c.logger.Warn("dropping outbound event, not connected", zap.String("type", string(typ)))
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// OnForeground forces a reconnect attempt if not connected. Called by the
// host when the app returns to the foreground.
func (c *Client) OnForeground() {
	c.mu.Lock()
	disconnected := c.state == Disconnected
	if disconnected {
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		c.intentional = false
	}
	c.mu.Unlock()
	if disconnected {
		go func() { _ = c.Connect() }()
	}
}

// OnBackground is a lifecycle hint. The OS owns socket lifetime in the
// background, so this is a no-op.
func (c *Client) OnBackground() {}

func (c *Client) wsURL() string {
	scheme := "ws"
	if c.opts.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.opts.Address,
		Path:     "/ws",
		RawQuery: url.Values{"token": {c.opts.AuthToken}}.Encode(),
	}
	return u.String()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Stale read loop from a connection that was already replaced or
		// intentionally closed.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	intentional := c.intentional
	if !intentional {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if intentional {
		return
	}
	c.logger.Warn("transport connection lost", zap.Error(err))
	c.bus.Publish(bus.Event{Kind: bus.KindTransportDisconnected, Timestamp: time.Now()})
}

// scheduleReconnectLocked arms the single reconnect timer. Callers hold mu.
func (c *Client) scheduleReconnectLocked() {
	if c.intentional {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.attempts++
	delay := NextDelay(c.attempts, c.opts.BackoffInitial, c.opts.BackoffMax)
	reconnectsScheduledTotal.Inc()
	c.logger.Info("scheduling reconnect",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay),
	)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		_ = c.Connect()
	})
}

func (c *Client) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		malformedFramesTotal.Inc()
		c.logger.Warn("malformed frame dropped", zap.Error(err))
		return
	}
	framesTotal.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case TypeMessageNew:
		var p MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			malformedFramesTotal.Inc()
			c.logger.Warn("malformed message:new payload", zap.Error(err))
			return
		}
		c.bus.Publish(bus.Event{
			Kind:      bus.KindMessageNew,
			Timestamp: time.Now(),
			Payload:   bus.MessageNew{ConversationID: p.ConversationID, Message: p.Message},
		})
	case TypeMessageStatus:
		var p MessageStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			malformedFramesTotal.Inc()
			c.logger.Warn("malformed message:status payload", zap.Error(err))
			return
		}
		c.bus.Publish(bus.Event{
			Kind:      bus.KindMessageStatus,
			Timestamp: time.Now(),
			Payload:   bus.MessageStatus{ConversationID: p.ConversationID, MessageID: p.MessageID, Status: p.Status},
		})
	case TypeMessageDeleted:
		var p MessageDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			malformedFramesTotal.Inc()
			c.logger.Warn("malformed message:deleted payload", zap.Error(err))
			return
		}
		c.bus.Publish(bus.Event{
			Kind:      bus.KindMessageDeleted,
			Timestamp: time.Now(),
			Payload:   bus.MessageDeleted{ConversationID: p.ConversationID, MessageID: p.MessageID, DeletedByName: p.DeletedByName},
		})
	default:
		c.logger.Debug("unhandled frame type", zap.String("type", string(env.Type)))
	}
}
