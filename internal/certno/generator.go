// package certno issues sequential certificate numbers, unique per year
// even under concurrent issuance.
package certno

import (
	"context"
	"errors"
	"fmt"
)

// MaxSequence is the largest sequence a year can hold; the fourth digit
// group of the formatted number is fixed-width.
const MaxSequence = 9999

// DefaultPrefix matches the numbering scheme of issued GACP certificates.
const DefaultPrefix = "GACP"

// ErrCounterOverflow is returned when a year's sequence would exceed
// MaxSequence. Not retryable.
var ErrCounterOverflow = errors.New("certno: yearly sequence exhausted")

// CertificateNumber is a unique issued identifier. Created exactly once
// at successful entry into certificate_issued; immutable thereafter.
type CertificateNumber struct {
	Year      int    `json:"year"`
	Sequence  int    `json:"sequence"`
	Formatted string `json:"formatted"`
}

// Generator issues the next number for a year. Implementations must make
// the increment-and-read a single atomic operation; a read/add/write
// sequence admits duplicates under concurrency and is not acceptable.
type Generator interface {
	Generate(ctx context.Context, year int) (CertificateNumber, error)
}

// Format renders PREFIX-YYYY-NNNN with a 4-digit zero-padded sequence.
func Format(prefix string, year, sequence int) string {
	return fmt.Sprintf("%s-%04d-%04d", prefix, year, sequence)
}
