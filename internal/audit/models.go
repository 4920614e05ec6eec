// package audit contains the append-only, hash-chained ledger that makes
// every certification workflow mutation tamper-evident.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gacp-platform/certification-core/internal/canonical"
)

// GenesisHash is the previousHash of the first ledger entry. It is a fixed
// constant, never a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Result of the mutation attempt an entry records. Failed attempts are
// logged too; failures are never invisible to the audit trail.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
)

// Actor identifies who performed the recorded action. The descriptor is
// supplied by the external authorization layer.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Entry is one immutable ledger record. Entries are created exactly once
// per mutation attempt and never updated or deleted; corrections are new
// entries referencing the original by resource id.
type Entry struct {
	LogID          string                 `json:"logId"`
	SequenceNumber int64                  `json:"sequenceNumber"`
	Category       string                 `json:"category"`
	Action         string                 `json:"action"`
	Actor          Actor                  `json:"actor"`
	ResourceType   string                 `json:"resourceType"`
	ResourceID     string                 `json:"resourceId"`
	Result         Result                 `json:"result"`
	PreviousHash   string                 `json:"previousHash"`
	CurrentHash    string                 `json:"currentHash"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// AppendInput carries the caller-supplied fields of a new entry. Sequence
// number, hashes and timestamp are assigned by the ledger.
type AppendInput struct {
	Category     string
	Action       string
	Actor        Actor
	ResourceType string
	ResourceID   string
	Result       Result
	Metadata     map[string]interface{}
}

// ErrNotFound is returned when a requested ledger entry cannot be located.
var ErrNotFound = errors.New("audit: entry not found")

// ErrConcurrentAppend is returned when two appenders race for the same
// sequence number. The losing append must fail rather than corrupt the
// chain; the caller may retry.
var ErrConcurrentAppend = errors.New("audit: concurrent append detected")

// ChainIntegrityError reports the first divergent entry found by
// verification. Not retryable; the ledger needs manual investigation.
type ChainIntegrityError struct {
	Sequence int64
	Reason   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit: chain integrity violation at sequence %d: %s", e.Sequence, e.Reason)
}

// ComputeHash returns the hex SHA-256 over the canonical JSON of the
// entry's hashed fields. The field set and their canonical (sorted-key)
// order are fixed:
//
//	action, actorId, category, logId, previousHash, resourceId,
//	resourceType, result, sequenceNumber, timestamp
//
// Timestamp is RFC 3339 (nanoseconds, UTC). Changing any of this
// invalidates every stored chain.
func ComputeHash(e *Entry) (string, error) {
	canon, err := canonical.MarshalCanonical(map[string]interface{}{
		"logId":          e.LogID,
		"sequenceNumber": e.SequenceNumber,
		"category":       e.Category,
		"action":         e.Action,
		"actorId":        e.Actor.ID,
		"resourceType":   e.ResourceType,
		"resourceId":     e.ResourceID,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"previousHash":   e.PreviousHash,
		"result":         string(e.Result),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// NewLogID returns a freshly-generated UUID string for a ledger entry.
func NewLogID() string {
	return uuid.New().String()
}
