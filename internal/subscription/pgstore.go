package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/agentgate/internal/keystore"
)

// DBTX is the subset of *pgxpool.Pool used by PGStore.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps subscriptions in agentgate.subscriptions.
type PGStore struct {
	db DBTX
}

func NewPGStore(db DBTX) *PGStore {
	return &PGStore{db: db}
}

const selectColumns = `id, owner, url, events, secret, delivered, failed, last_delivery, last_failure, created_at`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.Owner, &sub.URL, &sub.Events, &sub.Secret,
		&sub.Delivered, &sub.Failed, &sub.LastDeliveryAt, &sub.LastFailureAt, &sub.CreatedAt)
	return sub, err
}

func (s *PGStore) Subscribe(ctx context.Context, owner, callbackURL string, events []string) (Subscription, bool, error) {
	owner, u, evs, err := validate(owner, callbackURL, events)
	if err != nil {
		return Subscription{}, false, err
	}

	// Existing (owner, url): replace the event set, keep id and secret.
	sub, err := scanSubscription(s.db.QueryRow(ctx, `
		UPDATE agentgate.subscriptions SET events = $3
		WHERE owner = $1 AND url = $2
		RETURNING `+selectColumns, owner, u, evs))
	if err == nil {
		return sub.Public(), false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, false, fmt.Errorf("update subscription: %w", err)
	}

	secret, err := generateSecret(32)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("generate secret: %w", err)
	}
	sub, err = scanSubscription(s.db.QueryRow(ctx, `
		INSERT INTO agentgate.subscriptions (id, owner, url, events, secret)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, url) DO UPDATE SET events = EXCLUDED.events
		RETURNING `+selectColumns, uuid.NewString(), owner, u, evs, secret))
	if err != nil {
		return Subscription{}, false, fmt.Errorf("insert subscription: %w", err)
	}
	// a concurrent insert won the race; its secret is not ours to show
	if sub.Secret != secret {
		return sub.Public(), false, nil
	}
	return sub, true, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Subscription, error) {
	sub, err := s.Lookup(ctx, id)
	return sub.Public(), err
}

func (s *PGStore) Lookup(ctx context.Context, id string) (Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM agentgate.subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *PGStore) query(ctx context.Context, withSecret bool, where string, args ...any) ([]Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM agentgate.subscriptions `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if !withSecret {
			sub = sub.Public()
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PGStore) List(ctx context.Context) ([]Subscription, error) {
	return s.query(ctx, false, "")
}

func (s *PGStore) ListByOwner(ctx context.Context, owner string) ([]Subscription, error) {
	return s.query(ctx, false, "WHERE owner = $1", keystore.NormalizeHandle(owner))
}

func (s *PGStore) Matching(ctx context.Context, eventType string) ([]Subscription, error) {
	return s.query(ctx, true, "WHERE $1 = ANY(events) OR '*' = ANY(events)", eventType)
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agentgate.subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RecordOutcome(ctx context.Context, id string, delivered bool, at time.Time) error {
	q := `UPDATE agentgate.subscriptions SET failed = failed + 1, last_failure = $2 WHERE id = $1`
	if delivered {
		q = `UPDATE agentgate.subscriptions SET delivered = delivered + 1, last_delivery = $2 WHERE id = $1`
	}
	tag, err := s.db.Exec(ctx, q, id, at.UTC())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
