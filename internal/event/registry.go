package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Known event types.
const (
	TaskCreated        = "task.created"
	TaskUpdated        = "task.updated"
	TaskDeleted        = "task.deleted"
	PollCreated        = "poll.created"
	PasteCreated       = "paste.created"
	ShortLinkCreated   = "short_link.created"
	KVSet              = "kv.set"
	KVDeleted          = "kv.deleted"
	LeaderboardUpdated = "leaderboard.updated"
	RegistryUpdated    = "registry.updated"
	JobAutoPaused      = "job.auto_paused"
	WebhookTest        = "webhook.test"
	AgentVerified      = "agent.verified"
	AgentHandshake     = "agent.handshake"
)

// RecordPayload is the common shape of a record mutation reported by a CRUD
// collaborator. Extra fields are allowed.
type RecordPayload struct {
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`
}

func (p RecordPayload) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("missing id")
	}
	return nil
}

type KVPayload struct {
	Key   string `json:"key"`
	Owner string `json:"owner,omitempty"`
}

func (p KVPayload) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("missing key")
	}
	return nil
}

// JobAutoPausedPayload is emitted when a job's circuit opens.
type JobAutoPausedPayload struct {
	JobID               string `json:"jobId"`
	Owner               string `json:"owner"`
	URL                 string `json:"url"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
}

type WebhookTestPayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Message        string `json:"message"`
}

// AgentPayload reports a verified manifest or a completed handshake.
type AgentPayload struct {
	Handle      string `json:"handle"`
	PublicKey   string `json:"publicKey"`
	ManifestURL string `json:"manifestUrl"`
	Source      string `json:"source"`
}

// Schema describes one registered event type.
type Schema struct {
	Type        string
	Description string
	// Strict rejects unknown fields.
	Strict bool
	New    func() any
}

type validator interface {
	Validate() error
}

// Registry maps event types to payload schemas. Unregistered types pass opaque.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// DefaultRegistry returns a registry with every known type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	record := func() any { return &RecordPayload{} }
	for _, s := range []Schema{
		{Type: TaskCreated, Description: "A task was created", New: record},
		{Type: TaskUpdated, Description: "A task was updated", New: record},
		{Type: TaskDeleted, Description: "A task was deleted", New: record},
		{Type: PollCreated, Description: "A poll was created", New: record},
		{Type: PasteCreated, Description: "A paste was created", New: record},
		{Type: ShortLinkCreated, Description: "A short link was created", New: record},
		{Type: KVSet, Description: "A key was set", New: func() any { return &KVPayload{} }},
		{Type: KVDeleted, Description: "A key was deleted", New: func() any { return &KVPayload{} }},
		{Type: LeaderboardUpdated, Description: "A leaderboard changed", New: record},
		{Type: RegistryUpdated, Description: "A registry entry changed", New: record},
		{Type: JobAutoPaused, Description: "A scheduled job was paused after consecutive failures", Strict: true, New: func() any { return &JobAutoPausedPayload{} }},
		{Type: WebhookTest, Description: "Test delivery for a subscription", Strict: true, New: func() any { return &WebhookTestPayload{} }},
		{Type: AgentVerified, Description: "A peer manifest was verified", Strict: true, New: func() any { return &AgentPayload{} }},
		{Type: AgentHandshake, Description: "A peer completed a handshake", Strict: true, New: func() any { return &AgentPayload{} }},
	} {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Type] = s
}

func (r *Registry) Lookup(eventType string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// Types returns the registered schemas sorted by type.
func (r *Registry) Types() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Validate decodes ev.Payload into the registered schema for ev.Type.
func (r *Registry) Validate(ev Event) error {
	s, ok := r.Lookup(ev.Type)
	if !ok || s.New == nil {
		return nil
	}
	target := s.New()
	dec := json.NewDecoder(bytes.NewReader(ev.Payload))
	if s.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev.Type, err)
	}
	if v, ok := target.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev.Type, err)
		}
	}
	return nil
}
