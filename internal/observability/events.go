package observability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-realtime/internal/logger"
)

// Publisher ships JSON events to the event exchange.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
}

// EventEnvelope wraps every domain event put on the exchange.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
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

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	defaultPublisher = publisher
}

// PublishEvent is best effort: failures are counted and logged, never surfaced
// to the actor that caused the event.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) {
	publisherMu.RLock()
	publisher := defaultPublisher
	publisherMu.RUnlock()
	if publisher == nil {
		return
	}

	if err := publisher.PublishJSON(ctx, routingKey, message, headers); err != nil {
		IncAMQPPublishError()
		logger.L().Warn("event publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}
