package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/gacp-platform/certification-core/internal/canonical"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver uploads canonical ledger entry JSON to object storage (S3).
type Archiver interface {
	ArchiveEntry(ctx context.Context, e *Entry) error
}

// S3Archiver writes canonicalized ledger entries to S3 paths like:
//
//	s3://<bucket>/<prefix>/ledger/YYYY/MM/DD/<logID>.json
//
// Regulators can replay and re-verify the chain from these objects even if
// the primary database is lost.
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region/credentials are picked up
// from the environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID etc.).
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client)

	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: uploader,
	}, nil
}

// envelope is the canonical object stored per entry. It carries every
// hashed field plus the hash itself so the object alone is verifiable.
func envelope(e *Entry) map[string]interface{} {
	return map[string]interface{}{
		"logId":          e.LogID,
		"sequenceNumber": e.SequenceNumber,
		"category":       e.Category,
		"action":         e.Action,
		"actorId":        e.Actor.ID,
		"actorRole":      e.Actor.Role,
		"resourceType":   e.ResourceType,
		"resourceId":     e.ResourceID,
		"result":         string(e.Result),
		"previousHash":   e.PreviousHash,
		"currentHash":    e.CurrentHash,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":       e.Metadata,
	}
}

// ArchiveEntry canonicalizes the entry envelope and uploads it to S3.
func (s *S3Archiver) ArchiveEntry(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("nil entry")
	}

	canonBytes, err := canonical.MarshalCanonical(envelope(e))
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	upParams := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(e)),
		Body:        bytes.NewReader(canonBytes),
		ContentType: aws.String("application/json"),
		// Server-side encryption with S3-managed keys (SSE-S3).
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}

	if _, err := s.uploader.Upload(ctx, upParams); err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// ArchiveEntryAndReturnKey uploads the entry and returns the object key,
// for callers that persist the S3 pointer on the ledger row.
func (s *S3Archiver) ArchiveEntryAndReturnKey(ctx context.Context, e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil entry")
	}
	if err := s.ArchiveEntry(ctx, e); err != nil {
		return "", err
	}
	return s.objectKey(e), nil
}

func (s *S3Archiver) objectKey(e *Entry) string {
	ts := time.Now().UTC()
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "ledger",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", e.LogID),
	)
}
