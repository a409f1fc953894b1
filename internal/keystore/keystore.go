// Package keystore caches peer public keys from the verified-manifest
// directory and the handshake peer cache. Lookups never go to the network:
// an agent must have been verified or have handshaked before its signed
// requests are accepted.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/metrics"
	"github.com/austindbirch/agentgate/internal/signing"
)

const (
	SourceVerified  = "verified"
	SourceHandshake = "handshake"
)

// DefaultRefresh bounds how often the backing directories are re-read.
const DefaultRefresh = 60 * time.Second

var (
	ErrInvalidKey    = errors.New("invalid public key")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrUnknownSource = errors.New("unknown key source")
	// ErrKeyConflict means the handle is already bound to a different key
	// and the caller did not prove control of it.
	ErrKeyConflict = errors.New("handle is bound to a different key")
)

type rebindKey struct{}

type rebind struct {
	any      bool
	previous string
}

// AllowRebind returns ctx permitting Remember to replace any existing key.
// Only operator-authenticated requests should carry it.
func AllowRebind(ctx context.Context) context.Context {
	rb, _ := ctx.Value(rebindKey{}).(rebind)
	rb.any = true
	return context.WithValue(ctx, rebindKey{}, rb)
}

// WithEndorsement returns ctx permitting Remember to replace the key
// previousKeyHex, which the caller has shown it controls.
func WithEndorsement(ctx context.Context, previousKeyHex string) context.Context {
	rb, _ := ctx.Value(rebindKey{}).(rebind)
	rb.previous = strings.ToLower(strings.TrimSpace(previousKeyHex))
	return context.WithValue(ctx, rebindKey{}, rb)
}

func rebindAllowed(ctx context.Context, currentKey string) bool {
	rb, _ := ctx.Value(rebindKey{}).(rebind)
	return rb.any || (rb.previous != "" && rb.previous == currentKey)
}

// Record is an Agent Key Record.
type Record struct {
	Handle     string    `json:"handle"`
	PublicKey  string    `json:"publicKey"`
	Source     string    `json:"source"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Directory is a backing source of key records.
type Directory interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
}

// NormalizeHandle lowercases and trims a handle, dropping a leading "@".
func NormalizeHandle(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "@")
}

type Store struct {
	verified Directory
	peers    Directory
	clock    clock.Clock
	refresh  time.Duration
	logger   *logging.Logger

	mu       sync.Mutex
	cache    map[string]Record
	loadedAt time.Time
	loaded   bool
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithRefresh(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refresh = d
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a Store over the two directories. verified takes precedence
// over peers when both know a handle.
func New(verified, peers Directory, opts ...Option) *Store {
	s := &Store{
		verified: verified,
		peers:    peers,
		clock:    clock.Real{},
		refresh:  DefaultRefresh,
		logger:   logging.Nop(),
		cache:    make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup returns the public key hex for handle, or "" and false when unknown.
func (s *Store) Lookup(ctx context.Context, handle string) (string, bool) {
	rec, ok := s.Get(ctx, handle)
	if !ok {
		return "", false
	}
	return rec.PublicKey, true
}

// Get returns the cached record for handle, reloading the directories first
// if the refresh interval has elapsed.
func (s *Store) Get(ctx context.Context, handle string) (Record, bool) {
	h := NormalizeHandle(handle)
	if h == "" {
		return Record{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked(ctx)
	rec, ok := s.cache[h]
	return rec, ok
}

// Records returns a snapshot of every cached record.
func (s *Store) Records(ctx context.Context) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked(ctx)
	out := make([]Record, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, rec)
	}
	return out
}

// Refresh forces a reload of both directories.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

// Remember validates rec, persists it to the directory named by rec.Source and
// updates the cache. A handshake record never displaces a verified one. A
// record that would replace a cached key for the same handle fails with
// ErrKeyConflict unless ctx carries AllowRebind or a matching WithEndorsement.
func (s *Store) Remember(ctx context.Context, rec Record) error {
	rec.Handle = NormalizeHandle(rec.Handle)
	if rec.Handle == "" {
		return ErrInvalidHandle
	}
	if _, err := signing.ParsePublicKeyHex(rec.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rec.PublicKey = strings.ToLower(strings.TrimSpace(rec.PublicKey))
	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = s.clock.Now()
	}

	var dir Directory
	switch rec.Source {
	case SourceVerified:
		dir = s.verified
	case SourceHandshake:
		dir = s.peers
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, rec.Source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReloadLocked(ctx)

	cur, exists := s.cache[rec.Handle]
	shadowed := exists && cur.Source == SourceVerified && rec.Source != SourceVerified
	if exists && !shadowed && cur.PublicKey != rec.PublicKey && !rebindAllowed(ctx, cur.PublicKey) {
		return fmt.Errorf("%w: %s", ErrKeyConflict, rec.Handle)
	}

	if dir != nil {
		if err := dir.Save(ctx, rec); err != nil {
			return fmt.Errorf("save %s key for %s: %w", rec.Source, rec.Handle, err)
		}
	}
	if !shadowed {
		s.cache[rec.Handle] = rec
	}
	return nil
}

func (s *Store) maybeReloadLocked(ctx context.Context) {
	if s.loaded && s.clock.Now().Sub(s.loadedAt) < s.refresh {
		return
	}
	if err := s.reloadLocked(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Key directory reload failed, serving cached keys")
	}
}

// reloadLocked rebuilds the cache. The refresh timestamp advances even on
// error so a broken directory is not re-read on every request.
func (s *Store) reloadLocked(ctx context.Context) error {
	s.loaded = true
	s.loadedAt = s.clock.Now()
	metrics.RecordKeystoreRefresh()

	next := make(map[string]Record)
	var errs []error
	for _, src := range []struct {
		name string
		dir  Directory
	}{{SourceVerified, s.verified}, {SourceHandshake, s.peers}} {
		if src.dir == nil {
			continue
		}
		recs, err := src.dir.Load(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s directory: %w", src.name, err))
			// serve this source's last good records in its own precedence slot
			for h, rec := range s.cache {
				if _, taken := next[h]; !taken && rec.Source == src.name {
					next[h] = rec
				}
			}
			continue
		}
		for _, rec := range recs {
			h := NormalizeHandle(rec.Handle)
			if h == "" {
				continue
			}
			if _, taken := next[h]; taken {
				continue
			}
			// Malformed keys stay cached so requests fail as crypto errors
			// rather than as unknown agents.
			if _, err := signing.ParsePublicKeyHex(rec.PublicKey); err != nil {
				s.logger.WithContext(ctx).WithAgent(h).WithError(err).Warn("Malformed key record in directory")
			}
			rec.Handle = h
			rec.Source = src.name
			next[h] = rec
		}
	}

	s.cache = next
	return errors.Join(errs...)
}
