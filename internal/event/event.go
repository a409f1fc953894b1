// Package event defines emitted events, the per-type payload registry and the
// bounded activity log every emission is appended to.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

var (
	ErrInvalidType    = errors.New("invalid event type")
	ErrInvalidPayload = errors.New("invalid event payload")
)

var typePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// Event is an emitted event. Payload is serialized once at construction and
// carried as opaque bytes from then on.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ValidType reports whether t is a dot-namespaced event type such as "task.created".
func ValidType(t string) bool {
	return typePattern.MatchString(t)
}

// New builds an event. payload may be a json.RawMessage, []byte of JSON, or
// any value encoding/json can marshal; nil becomes {}.
func New(eventType string, payload any, now time.Time) (Event, error) {
	if !ValidType(eventType) {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidType, eventType)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		Timestamp: now.UTC(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return validRaw(p)
	case []byte:
		return validRaw(p)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func validRaw(b []byte) (json.RawMessage, error) {
	if len(b) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	return append(json.RawMessage(nil), b...), nil
}

// Matches reports whether a subscription to types receives eventType.
func Matches(types []string, eventType string) bool {
	for _, t := range types {
		if t == Wildcard || t == eventType {
			return true
		}
	}
	return false
}
