package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Audit levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

const auditSchemaVersion = 1

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// AuditEnvelope is one audit_log record on the event bus.
type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	TraceID       string       `json:"trace_id,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// AuditEmitter records sign-ups, group membership changes, sent messages
// and server-side failures. Publishing is best effort: failures are logged
// and never reach the caller.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *zap.Logger
	now         func() time.Time
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *zap.Logger) *AuditEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log.Named("audit"),
		now:         time.Now,
	}
}

// Emit publishes text at level. A nil emitter is a noop.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	if e == nil || e.publisher == nil {
		return
	}

	record := AuditEnvelope{
		SchemaVersion: auditSchemaVersion,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		TraceID:       TraceIDFromContext(ctx),
		UserID:        userID,
		Payload:       AuditPayload{Level: level, Text: text},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, record); err != nil {
		e.log.Warn("publish failed", zap.String("level", level), zap.String("request_id", requestID), zap.Error(err))
	}
}
