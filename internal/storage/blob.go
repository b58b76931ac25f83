package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"download-queue/internal/queue"
)

// BlobPrefix marks destinations stored in the configured gocloud bucket.
const BlobPrefix = "blob:"

// Blob stores downloads in a gocloud bucket (file://, mem://, s3://).
type Blob struct {
	bucket *blob.Bucket
	url    string
}

// OpenBlob opens the bucket at url.
func OpenBlob(ctx context.Context, url string) (*Blob, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return &Blob{bucket: b, url: url}, nil
}

// NewBlob wraps an already opened bucket.
func NewBlob(bucket *blob.Bucket, name string) *Blob {
	return &Blob{bucket: bucket, url: name}
}

// Sink returns a sink writing key.
func (b *Blob) Sink(key string) queue.Sink {
	return &BlobSink{blob: b, Key: strings.TrimPrefix(key, "/")}
}

func (b *Blob) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list blobs: %w", err)
		}
		if obj.IsDir {
			continue
		}
		modTime := obj.ModTime
		objects = append(objects, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: &modTime})
	}
	return objects, nil
}

// Delete removes key. A missing key is not an error.
func (b *Blob) Delete(ctx context.Context, key string) error {
	err := b.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (b *Blob) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return b.bucket.ReadAll(ctx, key)
}

func (b *Blob) Close() error {
	return b.bucket.Close()
}

// BlobSink streams a transfer into a bucket object. Aborted writes leave no
// object behind.
type BlobSink struct {
	blob        *Blob
	Key         string
	ContentType string
}

func (s *BlobSink) String() string { return BlobPrefix + s.Key }

func (s *BlobSink) Open(ctx context.Context) (queue.SinkWriter, error) {
	if s.Key == "" {
		return nil, fmt.Errorf("blob key is required")
	}
	wctx, cancel := context.WithCancel(ctx)
	opts := &blob.WriterOptions{ContentType: s.ContentType}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	w, err := s.blob.bucket.NewWriter(wctx, s.Key, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open blob writer: %w", err)
	}
	return &blobWriter{w: w, cancel: cancel}, nil
}

type blobWriter struct {
	w      *blob.Writer
	cancel context.CancelFunc
}

func (w *blobWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *blobWriter) Commit() error {
	defer w.cancel()
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("close blob writer: %w", err)
	}
	return nil
}

// Abort cancels the writer context so that Close discards the object.
func (w *blobWriter) Abort() error {
	w.cancel()
	_ = w.w.Close()
	return nil
}

func (b *Blob) String() string { return b.url }
