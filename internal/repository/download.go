package repository

import (
	"context"
	"errors"
	"time"

	"download-queue/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// DownloadRepository persists download history.
type DownloadRepository interface {
	Init(ctx context.Context) error
	// Create fails with ErrConflict when the id exists or when a pending or
	// running download already writes to the same destination.
	Create(ctx context.Context, d *domain.Download) error
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	MarkFinished(ctx context.Context, id string, status domain.DownloadStatus, bytes int64, worker int, errorMessage string, finishedAt time.Time) error
	// MarkInterrupted fails every pending or running record and returns how
	// many were changed.
	MarkInterrupted(ctx context.Context, reason string) (int64, error)
	Get(ctx context.Context, id string) (*domain.Download, error)
	List(ctx context.Context, limit int) ([]domain.Download, error)
	ListByStatuses(ctx context.Context, statuses ...domain.DownloadStatus) ([]domain.Download, error)
	Delete(ctx context.Context, id string) error
}
