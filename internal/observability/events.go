package observability

import "context"

// EventPublisher is satisfied by rabbitmq.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type EventEnvelope struct {
	EventType string            `json:"event_type"`
	EventName string            `json:"event_name"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   interface{}       `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

var defaultPublisher EventPublisher

// SetPublisher installs the process-wide event publisher.
func SetPublisher(publisher EventPublisher) {
	defaultPublisher = publisher
}

// PublishEvent sends envelope through the installed publisher; it is a noop
// until SetPublisher is called.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.Publish(ctx, routingKey, envelope)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
