package delivery

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/signing"
	"github.com/austindbirch/agentgate/internal/subscription"
)

// Envelope is the JSON body POSTed to a subscriber.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// EncodeEnvelope serializes ev once; the bytes are shared by every
// subscription and every attempt.
func EncodeEnvelope(ev event.Event) ([]byte, error) {
	return json.Marshal(Envelope{Event: ev.Type, Payload: ev.Payload, Timestamp: ev.Timestamp})
}

// Task is one event on its way to one subscription. Body and Signature are
// fixed at emission and resent verbatim on every retry.
type Task struct {
	DeliveryID     string            `json:"delivery_id"`
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	SubscriptionID string            `json:"subscription_id"`
	URL            string            `json:"url"`
	Body           []byte            `json:"body"`
	Signature      string            `json:"signature"`
	Attempt        int               `json:"attempt"` // attempts completed so far
	EmittedAt      time.Time         `json:"emitted_at"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewTask signs body with the subscription's secret.
func NewTask(ev event.Event, body []byte, sub subscription.Subscription, traceHeaders map[string]string) Task {
	return Task{
		DeliveryID:     uuid.NewString(),
		EventID:        ev.ID,
		EventType:      ev.Type,
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		Body:           body,
		Signature:      signing.HMACHeader(sub.Secret, body),
		EmittedAt:      ev.Timestamp,
		TraceHeaders:   traceHeaders,
	}
}
