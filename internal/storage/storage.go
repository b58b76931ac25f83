// Package storage provides remote sinks and object management for S3
// compatible stores and gocloud buckets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"download-queue/internal/queue"
)

// ErrInvalidURI is returned for malformed s3:// destinations.
var ErrInvalidURI = errors.New("storage: invalid object uri")

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Service stores completed downloads in remote object storage.
type Service interface {
	Sink(bucket, key string) queue.Sink
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// ParseURI splits "s3://bucket/key" into its bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	key = strings.Trim(key, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, key, nil
}

// URI formats bucket and key as "s3://bucket/key".
func URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.TrimPrefix(key, "/"))
}

// JoinKey joins key segments with "/" skipping empty ones.
func JoinKey(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
