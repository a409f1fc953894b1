// Package subscription is the durable registry of webhook subscriptions.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/keystore"
)

var (
	ErrNotFound     = errors.New("subscription not found")
	ErrInvalidURL   = errors.New("invalid callback url")
	ErrNoEventTypes = errors.New("at least one event type is required")
	ErrInvalidEvent = errors.New("invalid event type")
	ErrMissingOwner = errors.New("owner is required")
)

// Subscription is one registered callback. Secret is only populated on the
// value returned from a creating Subscribe call and inside the store.
type Subscription struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	URL            string     `json:"url"`
	Events         []string   `json:"events"`
	Secret         string     `json:"secret,omitempty"`
	Delivered      int64      `json:"delivered"`
	Failed         int64      `json:"failed"`
	LastDeliveryAt *time.Time `json:"lastDeliveryAt,omitempty"`
	LastFailureAt  *time.Time `json:"lastFailureAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Public returns a copy without the secret.
func (s Subscription) Public() Subscription {
	s.Secret = ""
	s.Events = append([]string(nil), s.Events...)
	return s
}

// Wants reports whether the subscription receives eventType.
func (s Subscription) Wants(eventType string) bool {
	return event.Matches(s.Events, eventType)
}

// Store is the subscription registry.
type Store interface {
	// Subscribe creates a subscription, or replaces the event set of the
	// existing one for the same (owner, url). created reports which happened.
	Subscribe(ctx context.Context, owner, callbackURL string, events []string) (sub Subscription, created bool, err error)
	Get(ctx context.Context, id string) (Subscription, error)
	// Lookup is Get with the secret included, for the delivery path.
	Lookup(ctx context.Context, id string) (Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]Subscription, error)
	// Matching returns subscriptions receiving eventType, secrets included.
	Matching(ctx context.Context, eventType string) ([]Subscription, error)
	Delete(ctx context.Context, id string) error
	// RecordOutcome updates counters for one delivery attempt.
	RecordOutcome(ctx context.Context, id string, delivered bool, at time.Time) error
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}

// NormalizeEvents validates, dedupes and sorts event types.
func NormalizeEvents(events []string) ([]string, error) {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if e != event.Wildcard && !event.ValidType(e) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, e)
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoEventTypes
	}
	sort.Strings(out)
	return out, nil
}

// validate normalizes the Subscribe arguments shared by every Store.
func validate(owner, callbackURL string, events []string) (string, string, []string, error) {
	owner = keystore.NormalizeHandle(owner)
	if owner == "" {
		return "", "", nil, ErrMissingOwner
	}
	u, err := ValidateURL(callbackURL)
	if err != nil {
		return "", "", nil, err
	}
	evs, err := NormalizeEvents(events)
	if err != nil {
		return "", "", nil, err
	}
	return owner, u, evs, nil
}

func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
