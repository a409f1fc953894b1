package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var now = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		eventType   string
		payload     any
		wantPayload string
		wantErr     error
	}{
		{name: "struct payload", eventType: TaskCreated, payload: RecordPayload{ID: "t1"}, wantPayload: `{"id":"t1"}`},
		{name: "raw payload kept verbatim", eventType: KVSet, payload: json.RawMessage(`{"key":"a", "value": 1}`), wantPayload: `{"key":"a", "value": 1}`},
		{name: "nil payload", eventType: "custom.thing", payload: nil, wantPayload: `{}`},
		{name: "invalid raw payload", eventType: TaskCreated, payload: []byte(`{nope`), wantErr: ErrInvalidPayload},
		{name: "unmarshalable payload", eventType: TaskCreated, payload: make(chan int), wantErr: ErrInvalidPayload},
		{name: "no namespace", eventType: "created", wantErr: ErrInvalidType},
		{name: "wildcard is not an event", eventType: Wildcard, wantErr: ErrInvalidType},
		{name: "empty", eventType: "", wantErr: ErrInvalidType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := New(tt.eventType, tt.payload, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if string(ev.Payload) != tt.wantPayload {
				t.Errorf("Payload = %s, want %s", ev.Payload, tt.wantPayload)
			}
			if ev.ID == "" || ev.Type != tt.eventType || !ev.Timestamp.Equal(now) {
				t.Errorf("New() = %+v", ev)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		types []string
		event string
		want  bool
	}{
		{[]string{TaskCreated}, TaskCreated, true},
		{[]string{TaskCreated}, TaskUpdated, false},
		{[]string{Wildcard}, KVSet, true},
		{[]string{KVSet, TaskDeleted}, TaskDeleted, true},
		{nil, TaskCreated, false},
	}
	for _, tt := range tests {
		if got := Matches(tt.types, tt.event); got != tt.want {
			t.Errorf("Matches(%v, %q) = %v, want %v", tt.types, tt.event, got, tt.want)
		}
	}
}

func TestRegistryValidate(t *testing.T) {
	r := DefaultRegistry()
	mk := func(typ, payload string) Event {
		return Event{Type: typ, Payload: json.RawMessage(payload)}
	}

	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"record with extra fields", mk(TaskCreated, `{"id":"t1","title":"x"}`), false},
		{"record missing id", mk(TaskCreated, `{"title":"x"}`), true},
		{"kv ok", mk(KVDeleted, `{"key":"k"}`), false},
		{"kv wrong type", mk(KVSet, `{"key":5}`), true},
		{"strict rejects unknown field", mk(JobAutoPaused, `{"jobId":"j","surprise":1}`), true},
		{"strict ok", mk(JobAutoPaused, `{"jobId":"j","owner":"o","url":"http://x","consecutiveFailures":5}`), false},
		{"unregistered passes opaque", mk("custom.thing", `[1,2,3]`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.ev)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("Validate() error %v is not ErrInvalidPayload", err)
			}
		})
	}

	types := r.Types()
	if len(types) != 14 {
		t.Errorf("Types() = %d entries, want 14", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1].Type > types[i].Type {
			t.Errorf("Types() not sorted at %d", i)
		}
	}
}

func TestActivityLogRing(t *testing.T) {
	a := NewActivityLog(3, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev, _ := New(TaskCreated, RecordPayload{ID: string(rune('a' + i))}, now.Add(time.Duration(i)*time.Second))
		a.Append(ctx, ev)
	}

	if a.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", a.Len())
	}
	got := a.Recent(0)
	want := []string{`{"id":"e"}`, `{"id":"d"}`, `{"id":"c"}`}
	for i := range want {
		if string(got[i].Payload) != want[i] {
			t.Errorf("Recent()[%d] = %s, want %s", i, got[i].Payload, want[i])
		}
	}
	if n := len(a.Recent(2)); n != 2 {
		t.Errorf("Recent(2) returned %d", n)
	}
	if n := len(NewActivityLog(5, nil).Recent(10)); n != 0 {
		t.Errorf("empty log Recent() returned %d", n)
	}
}

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Publish(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func TestActivityLogSubscribersAndSinks(t *testing.T) {
	a := NewActivityLog(10, nil)
	sink := &memSink{err: errors.New("ignored")}
	a.AddSink(sink)

	ch, cancel := a.Subscribe(1)
	ev1, _ := New(KVSet, KVPayload{Key: "a"}, now)
	ev2, _ := New(KVSet, KVPayload{Key: "b"}, now)
	a.Append(context.Background(), ev1)
	a.Append(context.Background(), ev2) // dropped for the full subscriber

	got := <-ch
	if got.ID != ev1.ID {
		t.Errorf("subscriber got %s, want %s", got.ID, ev1.ID)
	}
	select {
	case extra := <-ch:
		t.Errorf("subscriber received dropped event %s", extra.ID)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if len(sink.events) != 2 {
		t.Errorf("sink received %d events, want 2", len(sink.events))
	}
}
