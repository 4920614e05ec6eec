package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PGLedger persists the audit chain into Postgres.
//
// Expected schema:
//
//	CREATE TABLE audit_log (
//	    log_id          UUID PRIMARY KEY,
//	    sequence_number BIGINT NOT NULL UNIQUE,
//	    category        TEXT NOT NULL,
//	    action          TEXT NOT NULL,
//	    actor_id        TEXT NOT NULL,
//	    actor_role      TEXT NOT NULL,
//	    resource_type   TEXT NOT NULL,
//	    resource_id     TEXT NOT NULL,
//	    result          TEXT NOT NULL,
//	    previous_hash   TEXT NOT NULL,
//	    current_hash    TEXT NOT NULL,
//	    ts              TIMESTAMPTZ NOT NULL,
//	    metadata        JSONB,
//	    stream_status   TEXT NOT NULL DEFAULT 'pending',
//	    stream_attempts INT NOT NULL DEFAULT 0,
//	    archived_key    TEXT,
//	    stream_error    TEXT,
//	    claimed_at      TIMESTAMPTZ,
//	    streamed_at     TIMESTAMPTZ
//	);
//
// Appends run in a transaction that locks the current head row, so the
// next sequence number and previousHash are assigned under serialization.
// The UNIQUE constraint on sequence_number backstops the races the head
// lock cannot cover: an empty ledger has no row to lock, and at READ
// COMMITTED a waiter that blocked on the old head re-evaluates that same
// row after the winner commits, so it still reads the stale sequence.
// Either way the duplicate insert fails and Append re-reads the new head
// and retries, up to appendAttempts times, before surfacing
// ErrConcurrentAppend.
type PGLedger struct {
	db *sql.DB
}

// appendAttempts bounds head-race retries per Append call.
const appendAttempts = 3

// staleClaimAfter is how long a claimed row may sit in_progress before it
// is considered abandoned (streamer crash between claim and mark) and
// becomes claimable again.
const staleClaimAfter = 5 * time.Minute

// NewPGLedger constructs a Postgres-backed ledger.
func NewPGLedger(db *sql.DB) *PGLedger {
	return &PGLedger{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGLedger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const entryColumns = `log_id, sequence_number, category, action, actor_id, actor_role,
	resource_type, resource_id, result, previous_hash, current_hash, ts, metadata`

// Append retries lost head races: the losing appender rolls back,
// re-reads the committed head and links to it instead.
func (p *PGLedger) Append(ctx context.Context, in AppendInput) (*Entry, error) {
	for attempt := 1; ; attempt++ {
		e, err := p.appendOnce(ctx, in)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrConcurrentAppend) || attempt >= appendAttempts {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
}

func (p *PGLedger) appendOnce(ctx context.Context, in AppendInput) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the head so concurrent appenders queue behind us.
	var (
		headSeq  sql.NullInt64
		headHash sql.NullString
	)
	q := `SELECT sequence_number, current_hash FROM audit_log ORDER BY sequence_number DESC LIMIT 1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, q).Scan(&headSeq, &headHash); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lock head: %w", err)
	}

	prevHash := GenesisHash
	var seq int64 = 1
	if headSeq.Valid {
		seq = headSeq.Int64 + 1
		prevHash = headHash.String
	}

	e := &Entry{
		LogID:          NewLogID(),
		SequenceNumber: seq,
		Category:       in.Category,
		Action:         in.Action,
		Actor:          in.Actor,
		ResourceType:   in.ResourceType,
		ResourceID:     in.ResourceID,
		Result:         in.Result,
		PreviousHash:   prevHash,
		Timestamp:      time.Now().UTC(),
		Metadata:       in.Metadata,
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return nil, fmt.Errorf("compute hash: %w", err)
	}
	e.CurrentHash = hash

	var metadataJSON []byte
	if e.Metadata != nil {
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	} else {
		metadataJSON = []byte("null")
	}

	ins := `
		INSERT INTO audit_log
		  (` + entryColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = tx.ExecContext(ctx, ins,
		e.LogID,
		e.SequenceNumber,
		e.Category,
		e.Action,
		e.Actor.ID,
		e.Actor.Role,
		e.ResourceType,
		e.ResourceID,
		string(e.Result),
		e.PreviousHash,
		e.CurrentHash,
		e.Timestamp,
		metadataJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrentAppend
		}
		return nil, fmt.Errorf("insert audit_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConcurrentAppend
		}
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return e, nil
}

func (p *PGLedger) Head(ctx context.Context) (*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM audit_log ORDER BY sequence_number DESC LIMIT 1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (p *PGLedger) Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if toSeq > 0 {
		q := `SELECT ` + entryColumns + ` FROM audit_log
			WHERE sequence_number >= $1 AND sequence_number <= $2 ORDER BY sequence_number ASC`
		rows, err = p.db.QueryContext(ctx, q, fromSeq, toSeq)
	} else {
		q := `SELECT ` + entryColumns + ` FROM audit_log
			WHERE sequence_number >= $1 ORDER BY sequence_number ASC`
		rows, err = p.db.QueryContext(ctx, q, fromSeq)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit_log range: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit_log row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit_log rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		result    string
		metaBytes []byte
	)
	err := row.Scan(
		&e.LogID,
		&e.SequenceNumber,
		&e.Category,
		&e.Action,
		&e.Actor.ID,
		&e.Actor.Role,
		&e.ResourceType,
		&e.ResourceID,
		&result,
		&e.PreviousHash,
		&e.CurrentHash,
		&e.Timestamp,
		&metaBytes,
	)
	if err != nil {
		return nil, err
	}
	e.Result = Result(result)
	if len(metaBytes) > 0 && string(metaBytes) != "null" {
		if err := json.Unmarshal(metaBytes, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// FetchPendingForStreaming claims up to limit entries for the streamer
// using SKIP LOCKED so concurrent streamer instances never claim the same
// row twice. Besides pending and failed rows it re-claims in_progress
// rows whose claim is older than staleClaimAfter, so a streamer crash
// between claim and mark cannot strand entries.
func (p *PGLedger) FetchPendingForStreaming(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT ` + entryColumns + ` FROM audit_log
		WHERE stream_status IN ('pending', 'failed')
		   OR (stream_status = 'in_progress' AND claimed_at < $2)
		ORDER BY sequence_number ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	staleBefore := time.Now().UTC().Add(-staleClaimAfter)
	rows, err := tx.QueryContext(ctx, q, limit, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}

	var claimed []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}
	rows.Close()

	for _, e := range claimed {
		u := `UPDATE audit_log SET stream_status = 'in_progress', stream_attempts = stream_attempts + 1, claimed_at = $2 WHERE log_id = $1`
		if _, err := tx.ExecContext(ctx, u, e.LogID, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("claim entry %s: %w", e.LogID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkStreamResult records the outcome of streaming one entry so the
// ledger row remains the source of truth for retries.
func (p *PGLedger) MarkStreamResult(ctx context.Context, logID string, archivedKey sql.NullString, ok bool, streamErr sql.NullString) error {
	status := "done"
	if !ok {
		status = "failed"
	}
	q := `UPDATE audit_log
		SET stream_status = $2, archived_key = $3, stream_error = $4, streamed_at = $5
		WHERE log_id = $1`
	_, err := p.db.ExecContext(ctx, q, logID, status, archivedKey, streamErr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	return nil
}
