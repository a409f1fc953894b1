package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/austindbirch/agentgate/internal/clock"
)

func newStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	s, err := OpenFileStore(path, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestSubscribeValidation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		owner   string
		url     string
		events  []string
		wantErr error
	}{
		{"relative url", "alice", "/hook", []string{"task.created"}, ErrInvalidURL},
		{"ftp url", "alice", "ftp://example.com/hook", []string{"task.created"}, ErrInvalidURL},
		{"no host", "alice", "http:///hook", []string{"task.created"}, ErrInvalidURL},
		{"garbage url", "alice", "ht!tp://%%", []string{"task.created"}, ErrInvalidURL},
		{"no events", "alice", "https://example.com/hook", nil, ErrNoEventTypes},
		{"blank events", "alice", "https://example.com/hook", []string{" ", ""}, ErrNoEventTypes},
		{"bad event", "alice", "https://example.com/hook", []string{"Task Created"}, ErrInvalidEvent},
		{"no owner", "", "https://example.com/hook", []string{"task.created"}, ErrMissingOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Subscribe(ctx, tt.owner, tt.url, tt.events)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeIdempotentReplacesEvents(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	first, created, err := s.Subscribe(ctx, "Alice", "https://example.com/hook", []string{"task.created", "task.created", "kv.set"})
	if err != nil || !created {
		t.Fatalf("Subscribe() = %v, created %v", err, created)
	}
	if first.Secret == "" || first.ID == "" {
		t.Fatalf("first subscribe missing id/secret: %+v", first)
	}
	if len(first.Events) != 2 || first.Events[0] != "kv.set" {
		t.Errorf("events not normalized: %v", first.Events)
	}

	second, created, err := s.Subscribe(ctx, "alice", "https://example.com/hook", []string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("re-subscribe reported created")
	}
	if second.ID != first.ID {
		t.Errorf("re-subscribe id = %s, want %s", second.ID, first.ID)
	}
	if second.Secret != "" {
		t.Error("secret returned on re-subscribe")
	}
	if len(second.Events) != 1 || second.Events[0] != "*" {
		t.Errorf("events = %v, want [*]", second.Events)
	}

	// secret survives a reload and is used for matching
	reopened, err := OpenFileStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	matches, _ := reopened.Matching(ctx, "poll.created")
	if len(matches) != 1 || matches[0].Secret != first.Secret {
		t.Errorf("Matching() after reload = %+v", matches)
	}
	if got, _ := reopened.Get(ctx, first.ID); got.Secret != "" {
		t.Error("Get() exposed secret")
	}
}

func TestMatchingAndOwners(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	a, _, _ := s.Subscribe(ctx, "alice", "https://a.example/hook", []string{"task.created"})
	b, _, _ := s.Subscribe(ctx, "bob", "https://b.example/hook", []string{"kv.set", "task.created"})
	s.Subscribe(ctx, "bob", "https://b.example/other", []string{"kv.deleted"})

	got, _ := s.Matching(ctx, "task.created")
	if len(got) != 2 {
		t.Fatalf("Matching(task.created) = %d, want 2", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids[a.ID] || !ids[b.ID] {
		t.Errorf("Matching() ids = %v", ids)
	}

	if got, _ := s.Matching(ctx, "task.deleted"); len(got) != 0 {
		t.Errorf("Matching(task.deleted) = %d, want 0", len(got))
	}
	if got, _ := s.ListByOwner(ctx, "BOB"); len(got) != 2 {
		t.Errorf("ListByOwner(bob) = %d, want 2", len(got))
	}
	all, _ := s.List(ctx)
	for _, sub := range all {
		if sub.Secret != "" {
			t.Errorf("List() exposed secret for %s", sub.ID)
		}
	}
}

func TestDeleteAndRecordOutcome(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()
	sub, _, _ := s.Subscribe(ctx, "alice", "https://a.example/hook", []string{"task.created"})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.RecordOutcome(ctx, sub.ID, false, at); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordOutcome(ctx, sub.ID, true, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, sub.ID)
	if got.Failed != 1 || got.Delivered != 1 {
		t.Errorf("counters = delivered %d failed %d", got.Delivered, got.Failed)
	}
	if got.LastFailureAt == nil || !got.LastFailureAt.Equal(at) {
		t.Errorf("LastFailureAt = %v", got.LastFailureAt)
	}

	if err := s.Delete(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
	if err := s.RecordOutcome(ctx, sub.ID, true, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordOutcome() after delete = %v, want ErrNotFound", err)
	}

	reopened, _ := OpenFileStore(path, nil)
	if _, err := reopened.Get(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted subscription came back after reload: %v", err)
	}
}

func TestDeliveryLogBounded(t *testing.T) {
	l := NewDeliveryLog(3)
	for i := 1; i <= 5; i++ {
		l.Append("s1", Attempt{Attempt: i})
	}
	l.Append("s2", Attempt{Attempt: 1})

	got := l.List("s1", 0)
	if len(got) != 3 {
		t.Fatalf("List() = %d entries, want 3", len(got))
	}
	for i, want := range []int{5, 4, 3} {
		if got[i].Attempt != want {
			t.Errorf("List()[%d].Attempt = %d, want %d", i, got[i].Attempt, want)
		}
	}
	if n := len(l.List("s1", 1)); n != 1 {
		t.Errorf("List(limit 1) = %d", n)
	}

	l.Drop("s1")
	if n := len(l.List("s1", 0)); n != 0 {
		t.Errorf("List() after Drop = %d", n)
	}
	if n := len(l.List("s2", 0)); n != 1 {
		t.Errorf("other subscription affected by Drop: %d", n)
	}
}
