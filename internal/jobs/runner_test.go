package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/delivery"
	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/subscription"
)

type emitted struct {
	eventType string
	payload   any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) Emit(ctx context.Context, eventType string, payload any) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{eventType, payload})
	return event.Event{Type: eventType}, nil
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// target answers with status, which tests can change between runs.
type target struct {
	status atomic.Int32
	hits   atomic.Int32
	mu     sync.Mutex
	method string
	body   string
}

func newTarget(t *testing.T, status int) (*target, *httptest.Server) {
	t.Helper()
	tg := &target{}
	tg.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		tg.mu.Lock()
		tg.method, tg.body = r.Method, string(b)
		tg.mu.Unlock()
		tg.hits.Add(1)
		w.WriteHeader(int(tg.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return tg, srv
}

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func newRunner(t *testing.T, opts ...Option) (*Runner, *fakeEmitter) {
	t.Helper()
	store, err := OpenFileStore("")
	if err != nil {
		t.Fatal(err)
	}
	em := &fakeEmitter{}
	opts = append([]Option{WithClock(clock.NewFake(t0))}, opts...)
	return NewRunner(store, em, opts...), em
}

func TestCreateValidation(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	// 18446744134s * 1e9 wraps int64 to roughly 60.29s
	var wraps int64 = 18446744134

	tests := []struct {
		name    string
		spec    Spec
		wantErr error
	}{
		{"interval below minimum", Spec{Owner: "a", URL: "https://x.example", IntervalSeconds: 59}, ErrInvalidInterval},
		{"interval above maximum", Spec{Owner: "a", URL: "https://x.example", IntervalSeconds: 86401}, ErrInvalidInterval},
		{"interval overflowing duration", Spec{Owner: "a", URL: "https://x.example", IntervalSeconds: int(wraps)}, ErrInvalidInterval},
		{"negative interval", Spec{Owner: "a", URL: "https://x.example", IntervalSeconds: -60}, ErrInvalidInterval},
		{"unsupported method", Spec{Owner: "a", URL: "https://x.example", Method: "TRACE", IntervalSeconds: 60}, ErrInvalidMethod},
		{"bad url", Spec{Owner: "a", URL: "mailto:x@example.com", IntervalSeconds: 60}, ErrInvalidURL},
		{"no owner", Spec{URL: "https://x.example", IntervalSeconds: 60}, ErrMissingOwner},
		{"payload not json", Spec{Owner: "a", URL: "https://x.example", IntervalSeconds: 60, Payload: json.RawMessage("{")}, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Create(ctx, tt.spec); !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	for _, secs := range []int{60, 86400} {
		j, err := r.Create(ctx, Spec{Owner: "@Alice", URL: "https://x.example/tick", Method: "put", IntervalSeconds: secs})
		if err != nil {
			t.Fatalf("Create(%ds) error = %v", secs, err)
		}
		if j.Owner != "alice" || j.Method != http.MethodPut || !j.Active || !r.Armed(j.ID) {
			t.Errorf("Create(%ds) = %+v armed=%v", secs, j, r.Armed(j.ID))
		}
	}
}

func TestCircuitOpensOnFifthConsecutiveFailure(t *testing.T) {
	tg, srv := newTarget(t, http.StatusInternalServerError)
	r, em := newRunner(t)
	ctx := context.Background()

	j, err := r.Create(ctx, Spec{Owner: "alice", URL: srv.URL, IntervalSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 4; i++ {
		run, err := r.RunOnce(ctx, j.ID)
		if err != nil || run.Success || run.Reason != "http_5xx" {
			t.Fatalf("run %d = %+v, %v", i, run, err)
		}
	}
	got, _ := r.Get(ctx, j.ID)
	if !got.Active || got.ConsecutiveFailures != 4 || !r.Armed(j.ID) || em.count() != 0 {
		t.Fatalf("after 4 failures: active=%v failures=%d armed=%v events=%d",
			got.Active, got.ConsecutiveFailures, r.Armed(j.ID), em.count())
	}

	if _, err := r.RunOnce(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(ctx, j.ID)
	if got.Active || got.ConsecutiveFailures != 5 || r.Armed(j.ID) {
		t.Fatalf("after 5 failures: active=%v failures=%d armed=%v", got.Active, got.ConsecutiveFailures, r.Armed(j.ID))
	}
	if em.count() != 1 {
		t.Fatalf("auto-pause events = %d, want 1", em.count())
	}
	ev := em.events[0]
	p, ok := ev.payload.(event.JobAutoPausedPayload)
	if ev.eventType != event.JobAutoPaused || !ok || p.JobID != j.ID || p.Owner != "alice" || p.ConsecutiveFailures != 5 {
		t.Errorf("emitted %+v", ev)
	}

	if _, err := r.RunOnce(ctx, j.ID); !errors.Is(err, ErrInactive) {
		t.Errorf("RunOnce() on paused job = %v, want ErrInactive", err)
	}
	if tg.hits.Load() != 5 || em.count() != 1 {
		t.Errorf("hits=%d events=%d after paused tick", tg.hits.Load(), em.count())
	}

	// Reactivation resets the counter and re-arms.
	active := true
	got, err = r.Update(ctx, j.ID, Patch{Active: &active})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active || got.ConsecutiveFailures != 0 || !r.Armed(j.ID) {
		t.Errorf("after reactivation: %+v armed=%v", got, r.Armed(j.ID))
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	tg, srv := newTarget(t, http.StatusBadGateway)
	r, em := newRunner(t, WithLimits(Limits{HistorySize: 3}))
	ctx := context.Background()
	j, _ := r.Create(ctx, Spec{Owner: "alice", URL: srv.URL, IntervalSeconds: 120})

	for i := 0; i < 4; i++ {
		r.RunOnce(ctx, j.ID)
	}
	tg.status.Store(http.StatusOK)
	run, _ := r.RunOnce(ctx, j.ID)
	if !run.Success {
		t.Fatalf("run = %+v, want success", run)
	}
	tg.status.Store(http.StatusBadGateway)
	for i := 0; i < 4; i++ {
		r.RunOnce(ctx, j.ID)
	}

	got, _ := r.Get(ctx, j.ID)
	if !got.Active || got.ConsecutiveFailures != 4 || em.count() != 0 {
		t.Errorf("active=%v failures=%d events=%d", got.Active, got.ConsecutiveFailures, em.count())
	}
	if got.RunCount != 9 || len(got.History) != 3 {
		t.Errorf("runCount=%d history=%d, want 9/3", got.RunCount, len(got.History))
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(t0) {
		t.Errorf("LastRunAt = %v", got.LastRunAt)
	}
}

func TestRunSendsMethodAndPayload(t *testing.T) {
	tg, srv := newTarget(t, http.StatusNoContent)
	r, _ := newRunner(t)
	ctx := context.Background()

	j, _ := r.Create(ctx, Spec{Owner: "alice", URL: srv.URL, Method: "PATCH", Payload: json.RawMessage(`{"ping":true}`), IntervalSeconds: 60})
	if run, err := r.RunOnce(ctx, j.ID); err != nil || !run.Success || run.HTTPStatus != http.StatusNoContent {
		t.Fatalf("RunOnce() = %+v, %v", run, err)
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.method != http.MethodPatch || tg.body != `{"ping":true}` {
		t.Errorf("target saw %s %s", tg.method, tg.body)
	}
}

func TestRunTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	r, _ := newRunner(t, WithLimits(Limits{Timeout: 50 * time.Millisecond}))
	ctx := context.Background()

	j, _ := r.Create(ctx, Spec{Owner: "alice", URL: srv.URL, IntervalSeconds: 60})
	run, _ := r.RunOnce(ctx, j.ID)
	if run.Success || run.Reason != "timeout" {
		t.Errorf("RunOnce() = %+v, want timeout", run)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	j, _ := r.Create(ctx, Spec{Owner: "alice", URL: "https://x.example", IntervalSeconds: 60})

	bad := 30
	if _, err := r.Update(ctx, j.ID, Patch{IntervalSeconds: &bad}); !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("Update(30s) = %v, want ErrInvalidInterval", err)
	}
	method := "options"
	if _, err := r.Update(ctx, j.ID, Patch{Method: &method}); !errors.Is(err, ErrInvalidMethod) {
		t.Errorf("Update(OPTIONS) = %v, want ErrInvalidMethod", err)
	}

	interval, inactive := 3600, false
	got, err := r.Update(ctx, j.ID, Patch{IntervalSeconds: &interval, Active: &inactive})
	if err != nil {
		t.Fatal(err)
	}
	if got.IntervalSeconds != 3600 || got.Active || r.Armed(j.ID) {
		t.Errorf("Update() = %+v armed=%v", got, r.Armed(j.ID))
	}

	if err := r.Delete(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v", err)
	}
	if _, err := r.Update(ctx, j.ID, Patch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() after delete = %v", err)
	}
	if _, err := r.RunOnce(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("RunOnce() after delete = %v", err)
	}
}

func TestListByOwner(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	r.Create(ctx, Spec{Owner: "alice", URL: "https://a.example", IntervalSeconds: 60})
	r.Create(ctx, Spec{Owner: "bob", URL: "https://b.example", IntervalSeconds: 60})
	r.Create(ctx, Spec{Owner: "alice", URL: "https://c.example", IntervalSeconds: 60})

	if n := len(r.List(ctx, "")); n != 3 {
		t.Errorf("List(all) = %d", n)
	}
	if n := len(r.List(ctx, "@ALICE")); n != 2 {
		t.Errorf("List(alice) = %d", n)
	}
}

func TestFileStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRunner(store, nil)
	active, _ := r.Create(ctx, Spec{Owner: "alice", URL: "https://a.example", IntervalSeconds: 60, Payload: json.RawMessage(`{"n":1}`)})
	paused, _ := r.Create(ctx, Spec{Owner: "alice", URL: "https://b.example", IntervalSeconds: 60})
	off := false
	r.Update(ctx, paused.ID, Patch{Active: &off})

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	r2 := NewRunner(reopened, nil)
	if err := r2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := r2.Get(ctx, active.ID)
	if err != nil || string(got.Payload) != `{"n":1}` {
		t.Fatalf("Get() after reload = %+v, %v", got, err)
	}
	if !r2.Armed(active.ID) || r2.Armed(paused.ID) {
		t.Errorf("armed after reload: active=%v paused=%v", r2.Armed(active.ID), r2.Armed(paused.ID))
	}
}

func TestAutoPauseNotifiesSubscribers(t *testing.T) {
	_, jobSrv := newTarget(t, http.StatusServiceUnavailable)

	var mu sync.Mutex
	var envelopes []delivery.Envelope
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env delivery.Envelope
		json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		envelopes = append(envelopes, env)
		mu.Unlock()
	}))
	t.Cleanup(hook.Close)

	ctx := context.Background()
	c := clock.NewFake(t0)
	subs, _ := subscription.OpenFileStore("", c)
	subs.Subscribe(ctx, "alice", hook.URL, []string{event.JobAutoPaused})
	d := delivery.NewDispatcher(subs, delivery.WithClock(c))
	t.Cleanup(d.Stop)

	jobStore, _ := OpenFileStore("")
	r := NewRunner(jobStore, d, WithClock(c))
	j, _ := r.Create(ctx, Spec{Owner: "alice", URL: jobSrv.URL, IntervalSeconds: 60})
	for i := 0; i < 5; i++ {
		r.RunOnce(ctx, j.ID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(envelopes) != 1 || envelopes[0].Event != event.JobAutoPaused {
		t.Fatalf("subscriber got %+v", envelopes)
	}
	var p event.JobAutoPausedPayload
	if err := json.Unmarshal(envelopes[0].Payload, &p); err != nil || p.JobID != j.ID || p.LastError != "http_5xx" {
		t.Errorf("payload = %+v, %v", p, err)
	}
}
