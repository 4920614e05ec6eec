package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gacp-platform/certification-core/internal/workflow"
)

// PGStore persists applications into Postgres. The full aggregate lives
// in a JSONB payload; state and version are extracted into columns so
// sweeps can query by state and saves can enforce optimistic concurrency
// without touching the payload.
//
// Expected schema:
//
//	CREATE TABLE applications (
//	    id         UUID PRIMARY KEY,
//	    state      TEXT NOT NULL,
//	    version    BIGINT NOT NULL,
//	    payload    JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed application store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PGStore) Create(ctx context.Context, app *workflow.Application) error {
	payload, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}
	q := `
		INSERT INTO applications (id, state, version, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = p.db.ExecContext(ctx, q, app.ID, string(app.State), app.Version, payload, app.CreatedAt, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (p *PGStore) Load(ctx context.Context, id string) (*workflow.Application, error) {
	var payload []byte
	q := `SELECT payload FROM applications WHERE id = $1`
	if err := p.db.QueryRowContext(ctx, q, id).Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, workflow.ErrApplicationNotFound
		}
		return nil, fmt.Errorf("query application: %w", err)
	}
	var app workflow.Application
	if err := json.Unmarshal(payload, &app); err != nil {
		return nil, fmt.Errorf("unmarshal application: %w", err)
	}
	return &app, nil
}

// Save writes the application guarded by expectedVersion. Zero rows
// updated means another writer committed first.
func (p *PGStore) Save(ctx context.Context, app *workflow.Application, expectedVersion int64) error {
	payload, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}
	q := `
		UPDATE applications
		SET state = $2, version = $3, payload = $4, updated_at = $5
		WHERE id = $1 AND version = $6
	`
	res, err := p.db.ExecContext(ctx, q, app.ID, string(app.State), app.Version, payload, app.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return workflow.ErrVersionConflict
	}
	return nil
}

// ListByState returns the ids of applications currently in state. Used by
// the deadline/expiry sweeper.
func (p *PGStore) ListByState(ctx context.Context, state workflow.State) ([]string, error) {
	q := `SELECT id FROM applications WHERE state = $1 ORDER BY updated_at ASC`
	rows, err := p.db.QueryContext(ctx, q, string(state))
	if err != nil {
		return nil, fmt.Errorf("query applications by state: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan application id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate application rows: %w", err)
	}
	return ids, nil
}
