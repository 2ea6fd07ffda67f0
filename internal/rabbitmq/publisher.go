package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"studybuddy/internal/observability"
	"studybuddy/internal/telemetry"
)

const appID = "studybuddy"

// Publisher publishes audit and websocket lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher or a noop publisher when AMQP is
// disabled or unreachable.
func NewPublisher(amqpURL, exchange string, log *zap.Logger) Publisher {
	if amqpURL == "" {
		log.Info("rabbitmq disabled, using noop", zap.String("reason", "empty amqp url"))
		return noopPublisher{reason: "empty amqp url", log: log}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Warn("rabbitmq disabled, using noop", zap.Error(err))
		return noopPublisher{reason: err.Error(), log: log}
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Warn("rabbitmq disabled, using noop", zap.Error(err))
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), log: log}
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Warn("rabbitmq disabled, using noop", zap.Error(err))
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), log: log}
	}

	p := &amqpPublisher{conn: conn, ch: ch, exchange: exchange, log: log}
	go p.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	log.Info("rabbitmq connected", zap.String("exchange", exchange))
	return p
}

// amqpPublisher publishes JSON bodies to a topic exchange. Once the
// connection drops every Publish fails fast with errPublisherClosed.
type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	closed   bool
	log      *zap.Logger
}

var errPublisherClosed = errors.New("rabbitmq connection closed")

func (p *amqpPublisher) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		p.log.Warn("rabbitmq connection lost", zap.String("reason", err.Reason), zap.Int("code", err.Code))
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		AppId:        appID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{},
		Body:         body,
	}
	switch e := event.(type) {
	case observability.EventEnvelope:
		msg.Type = e.EventType
		for key, value := range e.Headers {
			msg.Headers[key] = value
		}
	case telemetry.AuditEnvelope:
		msg.Type = e.EventType
		msg.CorrelationId = e.RequestID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPublisherClosed
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.log.Error("rabbitmq publish failed", zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

type noopPublisher struct {
	reason string
	log    *zap.Logger
}

func (p noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	fields := []zap.Field{zap.String("routing_key", routingKey)}
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		fields = append(fields, zap.String("event_type", envelope.EventType), zap.String("request_id", envelope.RequestID))
	case observability.EventEnvelope:
		fields = append(fields, zap.String("event_type", envelope.EventType), zap.String("event_name", envelope.EventName))
	}
	p.log.Debug("rabbitmq noop publish", fields...)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
