package keystore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/agentgate/internal/jsonfile"
)

// FileDirectory is a JSON file of key records keyed by handle.
type FileDirectory struct {
	path string
	mu   sync.Mutex
}

func NewFileDirectory(path string) *FileDirectory {
	return &FileDirectory{path: path}
}

type fileDoc struct {
	Agents map[string]Record `json:"agents"`
}

func (d *FileDirectory) read() (fileDoc, error) {
	doc := fileDoc{Agents: make(map[string]Record)}
	if err := jsonfile.Read(d.path, &doc); err != nil {
		return doc, err
	}
	if doc.Agents == nil {
		doc.Agents = make(map[string]Record)
	}
	return doc, nil
}

func (d *FileDirectory) Load(ctx context.Context) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(doc.Agents))
	for handle, rec := range doc.Agents {
		if rec.Handle == "" {
			rec.Handle = handle
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (d *FileDirectory) Save(ctx context.Context, rec Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read()
	if err != nil {
		return err
	}
	doc.Agents[rec.Handle] = rec
	return jsonfile.Write(d.path, doc)
}

// DBTX is the subset of *pgxpool.Pool used by the Postgres stores.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGDirectory stores one source's records in agentgate.agent_keys.
type PGDirectory struct {
	db     DBTX
	source string
}

func NewPGDirectory(db DBTX, source string) *PGDirectory {
	return &PGDirectory{db: db, source: source}
}

func (d *PGDirectory) Load(ctx context.Context) ([]Record, error) {
	rows, err := d.db.Query(ctx, `
		SELECT handle, public_key, verified_at
		FROM agentgate.agent_keys
		WHERE source = $1
		ORDER BY handle`, d.source)
	if err != nil {
		return nil, fmt.Errorf("query agent keys: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Source: d.source}
		if err := rows.Scan(&rec.Handle, &rec.PublicKey, &rec.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan agent key: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *PGDirectory) Save(ctx context.Context, rec Record) error {
	_, err := d.db.Exec(ctx, `
		INSERT INTO agentgate.agent_keys (handle, source, public_key, verified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (handle, source)
		DO UPDATE SET public_key = EXCLUDED.public_key, verified_at = EXCLUDED.verified_at`,
		rec.Handle, d.source, rec.PublicKey, rec.VerifiedAt)
	if err != nil {
		return fmt.Errorf("upsert agent key: %w", err)
	}
	return nil
}
