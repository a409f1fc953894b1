package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/metrics"
)

// DefaultBackoff is the delay before each retry, measured from the end of
// the previous attempt.
var DefaultBackoff = []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second}

var (
	ErrBackoffExhausted = errors.New("backoff schedule exhausted")
	ErrSchedulerStopped = errors.New("retry scheduler stopped")
)

// PendingRetry is a snapshot of one armed retry.
type PendingRetry struct {
	SubscriptionID string    `json:"subscriptionId"`
	EventID        string    `json:"eventId"`
	EventType      string    `json:"event"`
	Attempt        int       `json:"attempt"` // number of the attempt that will run
	FireAt         time.Time `json:"fireAt"`
}

type pendingRetry struct {
	task   Task
	fireAt time.Time
	timer  clock.Timer
}

// RetryScheduler holds in-memory retry timers keyed by subscription and
// event. At most one retry is armed per (subscription, event).
type RetryScheduler struct {
	clock   clock.Clock
	backoff []time.Duration
	run     func(context.Context, Task)

	mu       sync.Mutex
	pending  map[string]map[string]*pendingRetry
	inflight map[string]map[*pendingRetry]context.CancelFunc
	stopped  bool
}

// NewRetryScheduler calls run on the timer goroutine when a retry fires. The
// context passed to run is cancelled by CancelSubscription and Stop.
func NewRetryScheduler(c clock.Clock, backoff []time.Duration, run func(context.Context, Task)) *RetryScheduler {
	if c == nil {
		c = clock.Real{}
	}
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &RetryScheduler{
		clock:    c,
		backoff:  append([]time.Duration(nil), backoff...),
		run:      run,
		pending:  make(map[string]map[string]*pendingRetry),
		inflight: make(map[string]map[*pendingRetry]context.CancelFunc),
	}
}

// MaxAttempts is the initial attempt plus one per backoff step.
func (s *RetryScheduler) MaxAttempts() int {
	return len(s.backoff) + 1
}

// Schedule arms the retry that follows t.Attempt completed attempts.
func (s *RetryScheduler) Schedule(t Task, reason string) (time.Time, error) {
	idx := t.Attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.backoff) {
		return time.Time{}, ErrBackoffExhausted
	}
	delay := s.backoff[idx]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return time.Time{}, ErrSchedulerStopped
	}

	bySub := s.pending[t.SubscriptionID]
	if bySub == nil {
		bySub = make(map[string]*pendingRetry)
		s.pending[t.SubscriptionID] = bySub
	}
	if prev, ok := bySub[t.EventID]; ok {
		prev.timer.Stop()
		metrics.RecordRetryDone()
	}

	p := &pendingRetry{task: t, fireAt: s.clock.Now().Add(delay)}
	p.timer = s.clock.AfterFunc(delay, func() { s.fire(p) })
	bySub[t.EventID] = p
	metrics.RecordRetryScheduled(reason)
	return p.fireAt, nil
}

func (s *RetryScheduler) fire(p *pendingRetry) {
	subID := p.task.SubscriptionID
	s.mu.Lock()
	bySub := s.pending[subID]
	if bySub == nil || bySub[p.task.EventID] != p {
		s.mu.Unlock()
		return
	}
	delete(bySub, p.task.EventID)
	if len(bySub) == 0 {
		delete(s.pending, subID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	running := s.inflight[subID]
	if running == nil {
		running = make(map[*pendingRetry]context.CancelFunc)
		s.inflight[subID] = running
	}
	running[p] = cancel
	s.mu.Unlock()

	metrics.RecordRetryDone()
	if s.run != nil {
		s.run(ctx, p.task)
	}

	s.mu.Lock()
	if running := s.inflight[subID]; running != nil {
		delete(running, p)
		if len(running) == 0 {
			delete(s.inflight, subID)
		}
	}
	s.mu.Unlock()
	cancel()
}

// CancelSubscription disarms every retry for subID, aborts any of its retries
// already running and returns how many were pending.
func (s *RetryScheduler) CancelSubscription(subID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySub := s.pending[subID]
	for _, p := range bySub {
		p.timer.Stop()
		metrics.RecordRetryDone()
	}
	delete(s.pending, subID)
	for _, cancel := range s.inflight[subID] {
		cancel()
	}
	delete(s.inflight, subID)
	return len(bySub)
}

// Pending returns the number of armed retries.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, bySub := range s.pending {
		n += len(bySub)
	}
	return n
}

// PendingFor lists the armed retries of one subscription.
func (s *RetryScheduler) PendingFor(subID string) []PendingRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingRetry, 0, len(s.pending[subID]))
	for _, p := range s.pending[subID] {
		out = append(out, PendingRetry{
			SubscriptionID: subID,
			EventID:        p.task.EventID,
			EventType:      p.task.EventType,
			Attempt:        p.task.Attempt + 1,
			FireAt:         p.fireAt,
		})
	}
	return out
}

// Stop disarms everything and refuses new retries.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for subID, bySub := range s.pending {
		for _, p := range bySub {
			p.timer.Stop()
			metrics.RecordRetryDone()
		}
		delete(s.pending, subID)
	}
	for subID, running := range s.inflight {
		for _, cancel := range running {
			cancel()
		}
		delete(s.inflight, subID)
	}
}
