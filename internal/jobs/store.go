package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/agentgate/internal/jsonfile"
)

// Store persists jobs. The Runner owns the live state and writes through.
type Store interface {
	Load(ctx context.Context) ([]Job, error)
	Save(ctx context.Context, j Job) error
	Delete(ctx context.Context, id string) error
}

// FileStore mirrors jobs to a JSON file. An empty path keeps them in memory.
type FileStore struct {
	path string

	mu   sync.Mutex
	jobs map[string]Job
}

type fileDoc struct {
	Jobs []Job `json:"jobs"`
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, jobs: make(map[string]Job)}
	if path == "" {
		return s, nil
	}
	var doc fileDoc
	if err := jsonfile.Read(path, &doc); err != nil {
		return nil, err
	}
	for _, j := range doc.Jobs {
		if j.ID != "" {
			s.jobs[j.ID] = j
		}
	}
	return s, nil
}

func (s *FileStore) Load(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(), nil
}

func (s *FileStore) sortedLocked() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

func (s *FileStore) Save(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.jobs[j.ID]
	s.jobs[j.ID] = j.clone()
	if err := s.persistLocked(); err != nil {
		if had {
			s.jobs[j.ID] = prev
		} else {
			delete(s.jobs, j.ID)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	if err := s.persistLocked(); err != nil {
		s.jobs[id] = prev
		return err
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	if err := jsonfile.Write(s.path, fileDoc{Jobs: s.sortedLocked()}); err != nil {
		return fmt.Errorf("persist jobs: %w", err)
	}
	return nil
}

// DBTX is the subset of *pgxpool.Pool used by PGStore.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore keeps jobs in agentgate.jobs.
type PGStore struct {
	db DBTX
}

func NewPGStore(db DBTX) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Load(ctx context.Context) ([]Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner, url, method, payload, interval_seconds, active, run_count,
		       consecutive_failures, history, last_run_at, created_at, updated_at
		FROM agentgate.jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		var (
			j       Job
			payload []byte
			history []byte
		)
		if err := rows.Scan(&j.ID, &j.Owner, &j.URL, &j.Method, &payload, &j.IntervalSeconds, &j.Active,
			&j.RunCount, &j.ConsecutiveFailures, &history, &j.LastRunAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if len(payload) > 0 {
			j.Payload = payload
		}
		if err := json.Unmarshal(history, &j.History); err != nil {
			return nil, fmt.Errorf("decode history for job %s: %w", j.ID, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PGStore) Save(ctx context.Context, j Job) error {
	history, err := json.Marshal(j.History)
	if err != nil {
		return err
	}
	if j.History == nil {
		history = []byte("[]")
	}
	var payload any
	if len(j.Payload) > 0 {
		payload = string(j.Payload)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agentgate.jobs (id, owner, url, method, payload, interval_seconds, active, run_count,
			consecutive_failures, history, last_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10::jsonb, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			method = EXCLUDED.method,
			payload = EXCLUDED.payload,
			interval_seconds = EXCLUDED.interval_seconds,
			active = EXCLUDED.active,
			run_count = EXCLUDED.run_count,
			consecutive_failures = EXCLUDED.consecutive_failures,
			history = EXCLUDED.history,
			last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at`,
		j.ID, j.Owner, j.URL, j.Method, payload, j.IntervalSeconds, j.Active, j.RunCount,
		j.ConsecutiveFailures, string(history), j.LastRunAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agentgate.jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
