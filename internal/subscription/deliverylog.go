package subscription

import (
	"sync"
	"time"
)

const DefaultDeliveryLogSize = 50

// Attempt is one recorded delivery attempt.
type Attempt struct {
	DeliveryID string    `json:"deliveryId"`
	EventID    string    `json:"eventId"`
	Event      string    `json:"event"`
	Attempt    int       `json:"attempt"`
	Delivered  bool      `json:"delivered"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Reason     string    `json:"reason,omitempty"` // network-error class or http_5xx etc.
	Error      string    `json:"error,omitempty"`
	Signature  string    `json:"signature"`
	DurationMS int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeliveryLog keeps the most recent attempts per subscription in memory.
type DeliveryLog struct {
	mu      sync.Mutex
	size    int
	entries map[string][]Attempt
}

func NewDeliveryLog(size int) *DeliveryLog {
	if size <= 0 {
		size = DefaultDeliveryLogSize
	}
	return &DeliveryLog{size: size, entries: make(map[string][]Attempt)}
}

// Append records a for subID, dropping the oldest entry beyond the bound.
func (l *DeliveryLog) Append(subID string, a Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := append(l.entries[subID], a)
	if len(list) > l.size {
		list = append([]Attempt(nil), list[len(list)-l.size:]...)
	}
	l.entries[subID] = list
}

// List returns up to limit attempts for subID, newest first. limit <= 0 returns all.
func (l *DeliveryLog) List(subID string, limit int) []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[subID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Attempt, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out
}

// Drop forgets the history of a deleted subscription.
func (l *DeliveryLog) Drop(subID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, subID)
}
