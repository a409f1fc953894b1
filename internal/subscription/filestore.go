package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/jsonfile"
	"github.com/austindbirch/agentgate/internal/keystore"
)

// FileStore keeps subscriptions in memory and mirrors them to a JSON file.
// An empty path keeps them in memory only.
type FileStore struct {
	path  string
	clock clock.Clock

	mu   sync.Mutex
	subs map[string]*Subscription
}

type fileDoc struct {
	Subscriptions []*Subscription `json:"subscriptions"`
}

// OpenFileStore loads path if it exists.
func OpenFileStore(path string, c clock.Clock) (*FileStore, error) {
	if c == nil {
		c = clock.Real{}
	}
	s := &FileStore{path: path, clock: c, subs: make(map[string]*Subscription)}
	if path == "" {
		return s, nil
	}
	var doc fileDoc
	if err := jsonfile.Read(path, &doc); err != nil {
		return nil, err
	}
	for _, sub := range doc.Subscriptions {
		if sub == nil || sub.ID == "" {
			continue
		}
		s.subs[sub.ID] = sub
	}
	return s, nil
}

func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	doc := fileDoc{Subscriptions: s.sortedLocked()}
	if err := jsonfile.Write(s.path, doc); err != nil {
		return fmt.Errorf("persist subscriptions: %w", err)
	}
	return nil
}

func (s *FileStore) sortedLocked() []*Subscription {
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *FileStore) Subscribe(ctx context.Context, owner, callbackURL string, events []string) (Subscription, bool, error) {
	owner, u, evs, err := validate(owner, callbackURL, events)
	if err != nil {
		return Subscription{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.Owner == owner && sub.URL == u {
			prev := sub.Events
			sub.Events = evs
			if err := s.persistLocked(); err != nil {
				sub.Events = prev
				return Subscription{}, false, err
			}
			return sub.Public(), false, nil
		}
	}

	secret, err := generateSecret(32)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("generate secret: %w", err)
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		Owner:     owner,
		URL:       u,
		Events:    evs,
		Secret:    secret,
		CreatedAt: s.clock.Now().UTC(),
	}
	s.subs[sub.ID] = sub
	if err := s.persistLocked(); err != nil {
		delete(s.subs, sub.ID)
		return Subscription{}, false, err
	}
	out := *sub
	out.Events = append([]string(nil), sub.Events...)
	return out, true, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Subscription, error) {
	sub, err := s.Lookup(ctx, id)
	return sub.Public(), err
}

func (s *FileStore) Lookup(ctx context.Context, id string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	out := sub.Public()
	out.Secret = sub.Secret
	return out, nil
}

func (s *FileStore) List(ctx context.Context) ([]Subscription, error) {
	return s.filter(func(*Subscription) bool { return true }, false), nil
}

func (s *FileStore) ListByOwner(ctx context.Context, owner string) ([]Subscription, error) {
	owner = keystore.NormalizeHandle(owner)
	return s.filter(func(sub *Subscription) bool { return sub.Owner == owner }, false), nil
}

func (s *FileStore) Matching(ctx context.Context, eventType string) ([]Subscription, error) {
	return s.filter(func(sub *Subscription) bool { return sub.Wants(eventType) }, true), nil
}

func (s *FileStore) filter(keep func(*Subscription) bool, withSecret bool) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Subscription{}
	for _, sub := range s.sortedLocked() {
		if !keep(sub) {
			continue
		}
		cp := sub.Public()
		if withSecret {
			cp.Secret = sub.Secret
		}
		out = append(out, cp)
	}
	return out
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.subs, id)
	if err := s.persistLocked(); err != nil {
		s.subs[id] = sub
		return err
	}
	return nil
}

func (s *FileStore) RecordOutcome(ctx context.Context, id string, delivered bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	if delivered {
		sub.Delivered++
		sub.LastDeliveryAt = &at
	} else {
		sub.Failed++
		sub.LastFailureAt = &at
	}
	return s.persistLocked()
}
