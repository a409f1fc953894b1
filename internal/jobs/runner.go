package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/delivery"
	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/metrics"
	"github.com/austindbirch/agentgate/internal/tracing"
)

// Emitter publishes the auto-pause notification. *delivery.Dispatcher satisfies it.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) (event.Event, error)
}

// Runner owns the live job table and one cron entry per active job.
// Flipping a job inactive and removing its entry happen under one lock, and
// every tick re-checks the flag under that lock.
type Runner struct {
	store   Store
	emitter Emitter
	client  *http.Client
	clock   clock.Clock
	logger  *logging.Logger
	limits  Limits
	cron    *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	running map[string]bool
}

type Option func(*Runner)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.client = c }
}

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithLimits overrides the defaults; zero fields keep theirs.
func WithLimits(l Limits) Option {
	return func(r *Runner) {
		if l.Timeout > 0 {
			r.limits.Timeout = l.Timeout
		}
		if l.FailureThreshold > 0 {
			r.limits.FailureThreshold = l.FailureThreshold
		}
		if l.HistorySize > 0 {
			r.limits.HistorySize = l.HistorySize
		}
		if l.MinInterval > 0 {
			r.limits.MinInterval = l.MinInterval
		}
		if l.MaxInterval > 0 {
			r.limits.MaxInterval = l.MaxInterval
		}
	}
}

func NewRunner(store Store, emitter Emitter, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		emitter: emitter,
		client:  &http.Client{},
		clock:   clock.Real{},
		logger:  logging.Nop(),
		limits:  DefaultLimits(),
		cron:    cron.New(cron.WithLocation(time.UTC)),
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Limits() Limits { return r.limits }

// Load reads persisted jobs and arms the active ones.
func (r *Runner) Load(ctx context.Context) error {
	jobs, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		j := j.clone()
		r.jobs[j.ID] = &j
		if j.Active {
			r.armLocked(&j)
		}
	}
	r.logger.Plain().WithField("jobs", len(jobs)).Info("Jobs loaded")
	return nil
}

// Start begins firing cron entries.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts the cron loop and waits for in-flight runs or ctx.
func (r *Runner) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (r *Runner) armLocked(j *Job) {
	r.disarmLocked(j.ID)
	id := j.ID
	r.entries[id] = r.cron.Schedule(cron.Every(j.Interval()), cron.FuncJob(func() { r.tick(id) }))
}

func (r *Runner) disarmLocked(id string) {
	if entry, ok := r.entries[id]; ok {
		r.cron.Remove(entry)
		delete(r.entries, id)
	}
}

// Armed reports whether id has a cron entry.
func (r *Runner) Armed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Runner) Create(ctx context.Context, s Spec) (Job, error) {
	if err := r.limits.validate(&s); err != nil {
		return Job{}, err
	}
	now := r.clock.Now().UTC()
	j := &Job{
		ID:              uuid.NewString(),
		Owner:           s.Owner,
		URL:             s.URL,
		Method:          s.Method,
		Payload:         s.Payload,
		IntervalSeconds: s.IntervalSeconds,
		Active:          true,
		History:         []Run{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Save(ctx, j.clone()); err != nil {
		return Job{}, err
	}
	r.jobs[j.ID] = j
	r.armLocked(j)
	r.logger.WithContext(ctx).WithJob(j.ID).WithAgent(j.Owner).
		WithFields(map[string]any{"url": j.URL, "interval_seconds": j.IntervalSeconds}).Info("Job created")
	return j.clone(), nil
}

// Update applies p. Reactivating a job resets its failure counter.
func (r *Runner) Update(ctx context.Context, id string, p Patch) (Job, error) {
	var err error
	next := Spec{}
	if p.URL != nil {
		if next.URL, err = normalizeURL(*p.URL); err != nil {
			return Job{}, err
		}
	}
	if p.Method != nil {
		if next.Method, err = normalizeMethod(*p.Method); err != nil {
			return Job{}, err
		}
	}
	if p.Payload != nil {
		if next.Payload, err = normalizePayload(*p.Payload); err != nil {
			return Job{}, err
		}
	}
	if p.IntervalSeconds != nil {
		if err := r.limits.checkInterval(*p.IntervalSeconds); err != nil {
			return Job{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	j := cur.clone()
	if p.URL != nil {
		j.URL = next.URL
	}
	if p.Method != nil {
		j.Method = next.Method
	}
	if p.Payload != nil {
		j.Payload = next.Payload
	}
	if p.IntervalSeconds != nil {
		j.IntervalSeconds = *p.IntervalSeconds
	}
	if p.Active != nil {
		if *p.Active && !cur.Active {
			j.ConsecutiveFailures = 0
		}
		j.Active = *p.Active
	}
	j.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.Save(ctx, j); err != nil {
		return Job{}, err
	}
	*cur = j
	if cur.Active {
		r.armLocked(cur)
	} else {
		r.disarmLocked(id)
	}
	r.logger.WithContext(ctx).WithJob(id).WithField("active", cur.Active).Info("Job updated")
	return cur.clone(), nil
}

func (r *Runner) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	r.disarmLocked(id)
	delete(r.jobs, id)
	r.logger.WithContext(ctx).WithJob(id).Info("Job deleted")
	return nil
}

func (r *Runner) Get(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.clone(), nil
}

// List returns jobs sorted by creation time; a non-empty owner filters.
func (r *Runner) List(ctx context.Context, owner string) []Job {
	owner = keystore.NormalizeHandle(owner)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Job{}
	for _, j := range r.jobs {
		if owner == "" || j.Owner == owner {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

func (r *Runner) tick(id string) {
	if _, err := r.RunOnce(context.Background(), id); err != nil &&
		!errors.Is(err, ErrInactive) && !errors.Is(err, ErrNotFound) {
		r.logger.Plain().WithJob(id).WithError(err).Debug("Job tick skipped")
	}
}

// RunOnce performs one run of an active job, exactly as a cron tick does.
func (r *Runner) RunOnce(ctx context.Context, id string) (Run, error) {
	r.mu.Lock()
	cur, ok := r.jobs[id]
	switch {
	case !ok:
		r.mu.Unlock()
		return Run{}, ErrNotFound
	case !cur.Active:
		r.mu.Unlock()
		return Run{}, ErrInactive
	case r.running[id]:
		r.mu.Unlock()
		return Run{}, ErrAlreadyRunning
	}
	r.running[id] = true
	snapshot := cur.clone()
	r.mu.Unlock()

	run := r.invoke(ctx, snapshot)
	metrics.RecordJobRun(run.Success)

	r.mu.Lock()
	delete(r.running, id)
	cur, ok = r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return run, nil
	}
	cur.RunCount++
	at := run.At
	cur.LastRunAt = &at
	cur.History = append(cur.History, run)
	if n := len(cur.History); n > r.limits.HistorySize {
		cur.History = append([]Run(nil), cur.History[n-r.limits.HistorySize:]...)
	}
	paused := false
	if run.Success {
		cur.ConsecutiveFailures = 0
	} else {
		cur.ConsecutiveFailures++
		if cur.Active && cur.ConsecutiveFailures >= r.limits.FailureThreshold {
			cur.Active = false
			r.disarmLocked(id)
			paused = true
		}
	}
	cur.UpdatedAt = run.At
	saved := cur.clone()
	if err := r.store.Save(ctx, saved); err != nil {
		r.logger.WithContext(ctx).WithJob(id).WithError(err).Error("Failed to persist job run")
	}
	r.mu.Unlock()

	entry := r.logger.WithContext(ctx).WithJob(id).WithAgent(saved.Owner).WithFields(map[string]any{
		"success":              run.Success,
		"http_status":          run.HTTPStatus,
		"consecutive_failures": saved.ConsecutiveFailures,
	})
	if !run.Success {
		entry.WithField("reason", run.Reason).Warn("Job run failed")
	}
	if paused {
		metrics.RecordJobAutoPaused()
		entry.Error("Job auto-paused after consecutive failures")
		payload := event.JobAutoPausedPayload{
			JobID:               saved.ID,
			Owner:               saved.Owner,
			URL:                 saved.URL,
			ConsecutiveFailures: saved.ConsecutiveFailures,
			LastError:           run.Error,
		}
		if payload.LastError == "" {
			payload.LastError = run.Reason
		}
		if r.emitter != nil {
			if _, err := r.emitter.Emit(ctx, event.JobAutoPaused, payload); err != nil {
				entry.WithError(err).Error("Failed to emit auto-pause event")
			}
		}
	}
	return run, nil
}

func (r *Runner) invoke(ctx context.Context, j Job) Run {
	ctx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "jobs.run",
		attribute.String("job_id", j.ID),
		attribute.String("owner", j.Owner),
		attribute.String("url", j.URL),
		attribute.String("method", j.Method),
	)
	defer span.End()

	var body io.Reader
	if len(j.Payload) > 0 && j.Method != http.MethodGet {
		body = bytes.NewReader(j.Payload)
	}
	run := Run{At: r.clock.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, j.Method, j.URL, body)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		run.Reason, run.Error = "invalid_request", err.Error()
		return run
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "agentgate-jobs/1")
	req.Header.Set("X-Agentgate-Job", j.ID)
	tracing.InjectHTTP(ctx, req.Header)

	start := time.Now()
	resp, doErr := r.client.Do(req)
	run.DurationMS = time.Since(start).Milliseconds()
	if doErr == nil {
		run.HTTPStatus = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}
	run.Success = doErr == nil && run.HTTPStatus >= 200 && run.HTTPStatus < 300
	span.SetAttributes(attribute.Int("http.status_code", run.HTTPStatus), attribute.Bool("success", run.Success))
	if !run.Success {
		run.Reason = delivery.ClassifyReason(doErr, run.HTTPStatus)
		if doErr != nil {
			run.Error = doErr.Error()
			tracing.SetSpanError(ctx, doErr)
		}
	}
	return run
}
