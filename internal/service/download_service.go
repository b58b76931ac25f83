package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"download-queue/internal/domain"
	"download-queue/internal/queue"
	"download-queue/internal/repository"
	"download-queue/internal/sink"
	"download-queue/internal/storage"
)

var (
	ErrInvalidLocator     = errors.New("invalid locator")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrStorageUnavailable = errors.New("object storage is not configured")
	ErrDownloadActive     = errors.New("download is still in progress")
	ErrNoLink             = errors.New("download has no shareable link")
	ErrDownloadNotFound   = errors.New("download not found")
	ErrDestinationBusy    = errors.New("destination is used by an active download")
)

const interruptedReason = "interrupted: process stopped before the download finished"

// Queue is the part of *queue.Queue the download service drives.
type Queue interface {
	Add(ctx context.Context, task queue.Task) (*queue.Handle, error)
	WaitContext(ctx context.Context) error
	Stats() queue.Stats
}

// SubmitRequest describes one download submitted through the service.
type SubmitRequest struct {
	UserID  int64
	Locator string
	// Destination is "s3://bucket/key", "blob:key" or a path relative to the
	// data directory. Empty means the data directory with a name derived from
	// the locator. A trailing "/" also appends the derived name.
	Destination string
	Headers     map[string]string
	Cookies     map[string]string
	Params      map[string]string
	ChunkSize   int
	Timeout     time.Duration
	Overwrite   bool
}

// DownloadConfig configures the download service.
type DownloadConfig struct {
	DataDir   string
	Overwrite bool
	// Defaults applies to requests that leave the corresponding field unset.
	Defaults queue.TransferOptions
	// Supported reports whether a locator can be fetched. Nil accepts any
	// locator with a scheme.
	Supported     func(locator string) bool
	PresignExpiry time.Duration
	Logger        *logrus.Logger
}

// DownloadService accepts downloads, tracks their history and manages their
// destinations.
type DownloadService interface {
	Submit(ctx context.Context, req SubmitRequest) (*domain.Download, error)
	Get(ctx context.Context, id string) (*domain.Download, error)
	List(ctx context.Context, limit int) ([]domain.Download, error)
	Delete(ctx context.Context, id string, purge bool) error
	Link(ctx context.Context, id string) (string, error)
	MarkInterrupted(ctx context.Context) (int64, error)
	Drain(ctx context.Context) error
	Stats() queue.Stats
}

type downloadService struct {
	cfg       DownloadConfig
	downloads repository.DownloadRepository
	queue     Queue
	objects   storage.Service
	blob      *storage.Blob
	logger    *logrus.Logger
}

// NewDownloadService wires the service. objects and blob may be nil when the
// corresponding destinations are not configured.
func NewDownloadService(cfg DownloadConfig, downloads repository.DownloadRepository, q Queue, objects storage.Service, blob *storage.Blob) DownloadService {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &downloadService{
		cfg:       cfg,
		downloads: downloads,
		queue:     q,
		objects:   objects,
		blob:      blob,
		logger:    cfg.Logger,
	}
}

// Submit persists the download and blocks until the queue admitted it.
func (s *downloadService) Submit(ctx context.Context, req SubmitRequest) (*domain.Download, error) {
	locator := strings.TrimSpace(req.Locator)
	if err := s.checkLocator(locator); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dest, target, err := s.resolve(id, locator, strings.TrimSpace(req.Destination), req.Overwrite || s.cfg.Overwrite)
	if err != nil {
		return nil, err
	}

	d := &domain.Download{
		ID:          id,
		UserID:      req.UserID,
		Locator:     locator,
		Destination: dest,
		Status:      domain.DownloadStatusPending,
	}
	if err := s.downloads.Create(ctx, d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationBusy, dest)
		}
		return nil, err
	}

	_, err = s.queue.Add(ctx, queue.Task{
		ID:      id,
		Locator: locator,
		Sink:    target,
		Options: s.options(req),
	})
	if err != nil {
		if ferr := s.downloads.MarkFinished(context.WithoutCancel(ctx), id, domain.DownloadStatusFailed, 0, 0, err.Error(), time.Now()); ferr != nil {
			s.logger.WithField("task_id", id).Warnf("record rejected download: %v", ferr)
		}
		return nil, err
	}

	s.logger.WithField("task_id", id).Infof("download queued: %s -> %s", locator, dest)
	return d, nil
}

func (s *downloadService) checkLocator(locator string) error {
	if locator == "" {
		return fmt.Errorf("%w: locator is required", ErrInvalidLocator)
	}
	u, err := url.Parse(locator)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	if s.cfg.Supported != nil && !s.cfg.Supported(locator) {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocator, u.Scheme)
	}
	return nil
}

func (s *downloadService) options(req SubmitRequest) queue.TransferOptions {
	opts := queue.TransferOptions{
		Headers:   mergeMaps(s.cfg.Defaults.Headers, req.Headers),
		Cookies:   mergeMaps(s.cfg.Defaults.Cookies, req.Cookies),
		Params:    mergeMaps(s.cfg.Defaults.Params, req.Params),
		ChunkSize: req.ChunkSize,
		Timeout:   req.Timeout,
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = s.cfg.Defaults.ChunkSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.Defaults.Timeout
	}
	return opts
}

// resolve maps a requested destination to its canonical form and sink.
func (s *downloadService) resolve(id, locator, dest string, overwrite bool) (string, queue.Sink, error) {
	name := fileName(id, locator)

	switch {
	case strings.HasPrefix(dest, "s3://"):
		if s.objects == nil {
			return "", nil, ErrStorageUnavailable
		}
		if strings.HasSuffix(dest, "/") {
			dest += name
		}
		bucket, key, err := storage.ParseURI(dest)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
		return storage.URI(bucket, key), s.objects.Sink(bucket, key), nil

	case strings.HasPrefix(dest, storage.BlobPrefix):
		if s.blob == nil {
			return "", nil, ErrStorageUnavailable
		}
		key := strings.TrimPrefix(strings.TrimPrefix(dest, storage.BlobPrefix), "/")
		if key == "" || strings.HasSuffix(key, "/") {
			key += name
		}
		if !validKey(key) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidDestination, dest)
		}
		return storage.BlobPrefix + key, s.blob.Sink(key), nil
	}

	if s.cfg.DataDir == "" {
		return "", nil, fmt.Errorf("%w: no data directory configured", ErrInvalidDestination)
	}
	rel := dest
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += name
	}
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", nil, fmt.Errorf("%w: %q must stay inside the data directory", ErrInvalidDestination, dest)
	}
	full := filepath.Join(s.cfg.DataDir, rel)
	return full, sink.NewFile(full, overwrite), nil
}

func (s *downloadService) Get(ctx context.Context, id string) (*domain.Download, error) {
	d, err := s.downloads.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDownloadNotFound
	}
	return d, err
}

func (s *downloadService) List(ctx context.Context, limit int) ([]domain.Download, error) {
	return s.downloads.List(ctx, limit)
}

// Delete removes a finished download record. With purge the stored data is
// removed as well.
func (s *downloadService) Delete(ctx context.Context, id string, purge bool) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !d.Status.Finished() {
		return ErrDownloadActive
	}
	if purge && d.Status == domain.DownloadStatusCompleted {
		if err := s.purge(ctx, d.Destination); err != nil {
			return err
		}
	}
	return s.downloads.Delete(ctx, id)
}

func (s *downloadService) purge(ctx context.Context, dest string) error {
	switch {
	case strings.HasPrefix(dest, "s3://"):
		if s.objects == nil {
			return ErrStorageUnavailable
		}
		bucket, key, err := storage.ParseURI(dest)
		if err != nil {
			return err
		}
		return s.objects.DeleteObject(ctx, bucket, key)
	case strings.HasPrefix(dest, storage.BlobPrefix):
		if s.blob == nil {
			return ErrStorageUnavailable
		}
		return s.blob.Delete(ctx, strings.TrimPrefix(dest, storage.BlobPrefix))
	default:
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", dest, err)
		}
		return nil
	}
}

// Link returns a presigned URL for a completed S3 download.
func (s *downloadService) Link(ctx context.Context, id string) (string, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d.Status != domain.DownloadStatusCompleted {
		return "", ErrDownloadActive
	}
	if !strings.HasPrefix(d.Destination, "s3://") {
		return "", ErrNoLink
	}
	if s.objects == nil {
		return "", ErrStorageUnavailable
	}
	bucket, key, err := storage.ParseURI(d.Destination)
	if err != nil {
		return "", err
	}
	return s.objects.GetObjectURL(ctx, bucket, key, s.cfg.PresignExpiry)
}

// MarkInterrupted fails records left unfinished by a previous process.
func (s *downloadService) MarkInterrupted(ctx context.Context) (int64, error) {
	n, err := s.downloads.MarkInterrupted(ctx, interruptedReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warnf("marked %d interrupted downloads as failed", n)
	}
	return n, nil
}

func (s *downloadService) Drain(ctx context.Context) error {
	return s.queue.WaitContext(ctx)
}

func (s *downloadService) Stats() queue.Stats {
	return s.queue.Stats()
}

// fileName derives a file name from locator, falling back to id.
func fileName(id, locator string) string {
	u, err := url.Parse(locator)
	if err != nil {
		return id
	}
	if u.Scheme == "magnet" {
		if dn := u.Query().Get("dn"); dn != "" && validKey(dn) && !strings.Contains(dn, "/") {
			return dn
		}
		return id
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" || base == ".." {
		return id
	}
	return base
}

func validKey(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func mergeMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
