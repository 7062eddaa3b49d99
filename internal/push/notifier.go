// Package push delivers message summaries to the push dispatch service
// over RabbitMQ. Delivery is best effort: the sync engine never fails a
// send because a notification could not be queued.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lfelipe-sa/chirp/internal/docstore"
)

var publishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "chirp_push_publishes_total",
	Help: "Push notification publishes by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(publishesTotal)
}

// Notifier implements docstore.Notifier over an AMQP topic exchange. One
// message per recipient, routing key push.<recipientID>.
type Notifier interface {
	docstore.Notifier
	Close() error
}

// New builds an AMQP notifier, or a noop one when the URL is empty or the
// broker is unreachable. A missing broker degrades push delivery, it never
// blocks startup.
func New(amqpURL, exchange string, logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if amqpURL == "" {
		logger.Info("push disabled", zap.String("reason", "empty amqp url"))
		return noopNotifier{logger: logger}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Warn("push disabled", zap.Error(err))
		return noopNotifier{logger: logger}
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Warn("push disabled", zap.Error(err))
		_ = conn.Close()
		return noopNotifier{logger: logger}
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		logger.Warn("push disabled", zap.Error(err))
		_ = ch.Close()
		_ = conn.Close()
		return noopNotifier{logger: logger}
	}

	logger.Info("push connected", zap.String("exchange", exchange))
	return &amqpNotifier{conn: conn, ch: ch, exchange: exchange, logger: logger}
}

type amqpNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// envelope is the wire shape the dispatch service consumes.
type envelope struct {
	RecipientID    string    `json:"recipientId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sentAt"`
}

func (n *amqpNotifier) Notify(ctx context.Context, recipientID string, summary docstore.Summary) error {
	body, err := json.Marshal(envelope{
		RecipientID:    recipientID,
		ConversationID: summary.ConversationID,
		SenderID:       summary.SenderID,
		SenderName:     summary.SenderName,
		Preview:        summary.Preview,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal push envelope: %w", err)
	}

	routingKey := "push." + recipientID
	err = n.ch.PublishWithContext(ctx, n.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		publishesTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("push publish failed", zap.String("routing_key", routingKey), zap.Error(err))
		return fmt.Errorf("publish push: %w", err)
	}
	publishesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (n *amqpNotifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

type noopNotifier struct {
	logger *zap.Logger
}

func (n noopNotifier) Notify(ctx context.Context, recipientID string, summary docstore.Summary) error {
	n.logger.Debug("push noop",
		zap.String("recipient", recipientID),
		zap.String("conversation", summary.ConversationID),
	)
	return nil
}

func (n noopNotifier) Close() error {
	return nil
}
