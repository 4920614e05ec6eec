package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gacp-platform/certification-core/internal/canonical"
)

// Producer is the small subset of kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (partition int, offset int64, producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// How many entries to fetch per claim.
	BatchSize int

	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed entries.
	MaxConcurrency int
}

// Streamer is a durable DB-first worker that ships committed ledger
// entries downstream without ever touching the transition path:
//   - claims pending rows via SELECT ... FOR UPDATE SKIP LOCKED
//   - produces the canonical envelope to Kafka
//   - archives the canonical JSON to S3
//   - marks the row success/failure so the ledger row drives retries
type Streamer struct {
	ledger   *PGLedger
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer. Zero cfg fields get sensible defaults.
func NewStreamer(ledger *PGLedger, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		ledger:   ledger,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run starts the streamer loop and blocks until ctx is cancelled. Safe to
// run in a goroutine for non-blocking behavior.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.ledger.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			// backoff before retrying to avoid tight-loop on transient DB problems
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		if len(entries) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, e := range entries {
			select {
			case <-ctx.Done():
				break
			default:
			}

			sem <- struct{}{}
			s.wg.Add(1)
			go func(e *Entry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, e); err != nil {
					// processEntry already marks the row; just log.
					log.Printf("[audit.streamer] process entry %s error: %v", e.LogID, err)
				}
			}(e)
		}

		// Drain the batch before claiming more so per-batch ordering holds.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEntry performs the produce -> archive sequence for one entry and
// records the result on the ledger row.
func (s *Streamer) processEntry(parentCtx context.Context, e *Entry) error {
	// Per-entry deadline so a stuck worker cannot wedge the batch.
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.MarshalCanonical(envelope(e))
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("canonicalize envelope: %v", err), Valid: true}
		_ = s.ledger.MarkStreamResult(parentCtx, e.LogID, sql.NullString{}, false, errMsg)
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	// Produce to Kafka (key=log id).
	_, _, producedAt, err := s.producer.Produce(ctx, []byte(e.LogID), canonBytes)
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("kafka produce: %v", err), Valid: true}
		_ = s.ledger.MarkStreamResult(parentCtx, e.LogID, sql.NullString{}, false, errMsg)
		return fmt.Errorf("kafka produce: %w", err)
	}

	// Archive to S3, persisting the object key when the archiver reports it.
	var archivedKey sql.NullString
	if s3Arch, ok := s.archiver.(*S3Archiver); ok {
		key, err := s3Arch.ArchiveEntryAndReturnKey(ctx, e)
		if err != nil {
			errMsg := sql.NullString{String: fmt.Sprintf("s3 archive: %v", err), Valid: true}
			_ = s.ledger.MarkStreamResult(parentCtx, e.LogID, sql.NullString{}, false, errMsg)
			return fmt.Errorf("s3 archive: %w", err)
		}
		archivedKey = sql.NullString{String: key, Valid: true}
	} else {
		if err := s.archiver.ArchiveEntry(ctx, e); err != nil {
			errMsg := sql.NullString{String: fmt.Sprintf("s3 archive: %v", err), Valid: true}
			_ = s.ledger.MarkStreamResult(parentCtx, e.LogID, sql.NullString{}, false, errMsg)
			return fmt.Errorf("s3 archive: %w", err)
		}
	}

	if err := s.ledger.MarkStreamResult(parentCtx, e.LogID, archivedKey, true, sql.NullString{}); err != nil {
		// Row stays in_progress; it becomes claimable again once its
		// claim goes stale.
		return fmt.Errorf("mark stream success: %w", err)
	}

	log.Printf("[audit.streamer] entry %s seq=%d streamed: produced_at=%s archived_key=%v",
		e.LogID, e.SequenceNumber, producedAt.Format(time.RFC3339Nano), archivedKey)
	return nil
}
