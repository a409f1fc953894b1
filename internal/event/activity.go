package event

import (
	"context"
	"sync"

	"github.com/austindbirch/agentgate/internal/logging"
)

const DefaultActivitySize = 200

// Sink receives every appended event. Errors are logged and otherwise ignored.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// ActivityLog is a bounded ring buffer of recent events with live subscribers.
type ActivityLog struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	full   bool
	subs   map[int]chan Event
	nextID int
	sinks  []Sink
	logger *logging.Logger
}

func NewActivityLog(size int, logger *logging.Logger) *ActivityLog {
	if size <= 0 {
		size = DefaultActivitySize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ActivityLog{
		buf:    make([]Event, size),
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// AddSink registers a mirror for appended events.
func (a *ActivityLog) AddSink(s Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, s)
}

// Append stores ev, evicting the oldest entry when full, and fans it out to
// subscribers and sinks. Slow subscribers miss events rather than block.
func (a *ActivityLog) Append(ctx context.Context, ev Event) {
	a.mu.Lock()
	a.buf[a.next] = ev
	a.next = (a.next + 1) % len(a.buf)
	if a.next == 0 {
		a.full = true
	}
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	sinks := append([]Sink(nil), a.sinks...)
	a.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			a.logger.WithContext(ctx).WithEvent(ev.Type).WithError(err).Warn("Activity sink publish failed")
		}
	}
}

// Len returns the number of stored events.
func (a *ActivityLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.full {
		return len(a.buf)
	}
	return a.next
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (a *ActivityLog) Recent(limit int) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.next
	if a.full {
		n = len(a.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.next - i + len(a.buf)) % len(a.buf)
		out = append(out, a.buf[idx])
	}
	return out
}

// Subscribe returns a channel of newly appended events and a cancel func that
// closes it.
func (a *ActivityLog) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			close(ch)
		})
	}
}
