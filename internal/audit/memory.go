package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger keeps the chain in process memory. Used for dev mode and
// tests; appends are serialized under a mutex so the linearizability
// guarantees hold within a single process.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the timestamp source. Test hook.
func (m *MemoryLedger) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryLedger) Append(ctx context.Context, in AppendInput) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prevHash := GenesisHash
	var seq int64 = 1
	if n := len(m.entries); n > 0 {
		last := m.entries[n-1]
		prevHash = last.CurrentHash
		seq = last.SequenceNumber + 1
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
		Timestamp:      m.now(),
		Metadata:       in.Metadata,
	}

	hash, err := ComputeHash(e)
	if err != nil {
		return nil, fmt.Errorf("compute hash: %w", err)
	}
	e.CurrentHash = hash

	m.entries = append(m.entries, e)
	cp := *e
	return &cp, nil
}

func (m *MemoryLedger) Head(ctx context.Context) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	cp := *m.entries[len(m.entries)-1]
	return &cp, nil
}

func (m *MemoryLedger) Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fromSeq < 1 {
		fromSeq = 1
	}
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.SequenceNumber < fromSeq {
			continue
		}
		if toSeq > 0 && e.SequenceNumber > toSeq {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryLedger) Ping(ctx context.Context) error { return nil }

// Tamper overwrites a stored entry in place. Test hook for verification
// tests; it deliberately bypasses every append-time invariant.
func (m *MemoryLedger) Tamper(seq int64, mutate func(e *Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.SequenceNumber == seq {
			mutate(e)
			return true
		}
	}
	return false
}
