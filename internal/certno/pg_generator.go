package certno

import (
	"context"
	"database/sql"
	"fmt"
)

// PGGenerator backs the per-year counter with a Postgres row so
// uniqueness holds across concurrent service instances, not just across
// goroutines in one process.
//
// Expected schema:
//
//	CREATE TABLE certificate_counters (
//	    year  INT PRIMARY KEY,
//	    value INT NOT NULL
//	);
type PGGenerator struct {
	db     *sql.DB
	prefix string
}

// NewPGGenerator constructs a Postgres-backed generator. Empty prefix
// selects DefaultPrefix.
func NewPGGenerator(db *sql.DB, prefix string) *PGGenerator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &PGGenerator{db: db, prefix: prefix}
}

// Generate atomically increments the year's counter and returns the new
// value. The upsert is a single statement, so two concurrent calls can
// never observe the same value; Postgres serializes the row update.
func (g *PGGenerator) Generate(ctx context.Context, year int) (CertificateNumber, error) {
	q := `
		INSERT INTO certificate_counters (year, value)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET value = certificate_counters.value + 1
		RETURNING value
	`
	var seq int
	if err := g.db.QueryRowContext(ctx, q, year).Scan(&seq); err != nil {
		return CertificateNumber{}, fmt.Errorf("increment counter for %d: %w", year, err)
	}
	if seq > MaxSequence {
		return CertificateNumber{}, ErrCounterOverflow
	}
	return CertificateNumber{
		Year:      year,
		Sequence:  seq,
		Formatted: Format(g.prefix, year, seq),
	}, nil
}
