package certno

import (
	"context"
	"sync"
)

// MemoryGenerator keeps per-year counters in process memory. Dev/test
// only; the mutex makes increment-and-read atomic within one process.
type MemoryGenerator struct {
	mu       sync.Mutex
	counters map[int]int
	prefix   string
}

// NewMemoryGenerator returns an empty in-memory generator. Empty prefix
// selects DefaultPrefix.
func NewMemoryGenerator(prefix string) *MemoryGenerator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &MemoryGenerator{counters: map[int]int{}, prefix: prefix}
}

func (g *MemoryGenerator) Generate(ctx context.Context, year int) (CertificateNumber, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.counters[year] + 1
	if next > MaxSequence {
		return CertificateNumber{}, ErrCounterOverflow
	}
	g.counters[year] = next

	return CertificateNumber{
		Year:      year,
		Sequence:  next,
		Formatted: Format(g.prefix, year, next),
	}, nil
}
