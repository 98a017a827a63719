package storage

import (
	"context"
	"time"
)

// Provider stores alert evidence in an object store.
type Provider interface {
	// CheckBucket makes sure the evidence bucket exists, creating it if needed.
	CheckBucket(ctx context.Context) error

	// Put uploads data under objectKey.
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error

	// GeneratePresignedURL returns a temporary download link for objectKey.
	GeneratePresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}
