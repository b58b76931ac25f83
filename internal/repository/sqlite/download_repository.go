package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"download-queue/internal/domain"
	"download-queue/internal/repository"
)

const createDownloadsTable = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL DEFAULT 0,
	locator TEXT NOT NULL,
	destination TEXT NOT NULL,
	status TEXT NOT NULL,
	bytes INTEGER NOT NULL DEFAULT 0,
	worker INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME NULL,
	finished_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_active_destination
	ON downloads(destination) WHERE status IN ('pending', 'running');
`

const selectDownload = `
SELECT id, user_id, locator, destination, status, bytes, worker, error_message, created_at, updated_at, started_at, finished_at
FROM downloads`

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(db *sql.DB) repository.DownloadRepository {
	return &DownloadRepository{db: db}
}

func (r *DownloadRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDownloadsTable); err != nil {
		return fmt.Errorf("create downloads table: %w", err)
	}
	return nil
}

func (r *DownloadRepository) Create(ctx context.Context, d *domain.Download) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = domain.DownloadStatusPending
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO downloads (id, user_id, locator, destination, status, bytes, worker, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.UserID,
		d.Locator,
		d.Destination,
		string(d.Status),
		d.Bytes,
		d.Worker,
		d.ErrorMessage,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "unique") && strings.Contains(msg, "destination"):
			return fmt.Errorf("destination %s is in use: %w", d.Destination, repository.ErrConflict)
		case strings.Contains(msg, "unique"):
			return fmt.Errorf("download %s: %w", d.ID, repository.ErrConflict)
		}
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

func (r *DownloadRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	return r.exec(ctx, "mark running", `
UPDATE downloads
SET status=?, started_at=?, updated_at=?
WHERE id=?`,
		string(domain.DownloadStatusRunning),
		startedAt.UTC(),
		time.Now().UTC(),
		id,
	)
}

func (r *DownloadRepository) MarkFinished(ctx context.Context, id string, status domain.DownloadStatus, bytes int64, worker int, errorMessage string, finishedAt time.Time) error {
	if !status.Finished() {
		return fmt.Errorf("mark finished: %q is not a terminal status", status)
	}
	return r.exec(ctx, "mark finished", `
UPDATE downloads
SET status=?, bytes=?, worker=?, error_message=?, finished_at=?, updated_at=?
WHERE id=?`,
		string(status),
		bytes,
		worker,
		errorMessage,
		finishedAt.UTC(),
		time.Now().UTC(),
		id,
	)
}

func (r *DownloadRepository) MarkInterrupted(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE downloads
SET status=?, error_message=?, finished_at=?, updated_at=?
WHERE status IN (?, ?)`,
		string(domain.DownloadStatusFailed),
		reason,
		now,
		now,
		string(domain.DownloadStatusPending),
		string(domain.DownloadStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("interrupted rows affected: %w", err)
	}
	return n, nil
}

func (r *DownloadRepository) Get(ctx context.Context, id string) (*domain.Download, error) {
	row := r.db.QueryRowContext(ctx, selectDownload+`
WHERE id=?`, id)
	return scanDownload(row)
}

func (r *DownloadRepository) List(ctx context.Context, limit int) ([]domain.Download, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, selectDownload+`
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	return collectDownloads(rows)
}

func (r *DownloadRepository) ListByStatuses(ctx context.Context, statuses ...domain.DownloadStatus) ([]domain.Download, error) {
	if len(statuses) == 0 {
		return []domain.Download{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(selectDownload+`
WHERE status IN (%s)
ORDER BY created_at ASC, id ASC`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query downloads by status: %w", err)
	}
	return collectDownloads(rows)
}

func (r *DownloadRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("download delete rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("download %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

func (r *DownloadRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if aff, err := res.RowsAffected(); err == nil && aff == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}
	return nil
}

func collectDownloads(rows *sql.Rows) ([]domain.Download, error) {
	defer rows.Close()

	var downloads []domain.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, *d)
	}
	return downloads, rows.Err()
}

func scanDownload(scanner interface {
	Scan(dest ...any) error
}) (*domain.Download, error) {
	var (
		d          domain.Download
		status     string
		createdAt  time.Time
		updatedAt  time.Time
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	if err := scanner.Scan(
		&d.ID,
		&d.UserID,
		&d.Locator,
		&d.Destination,
		&status,
		&d.Bytes,
		&d.Worker,
		&d.ErrorMessage,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("download: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan download: %w", err)
	}

	d.Status = domain.DownloadStatus(status)
	d.CreatedAt = createdAt.Local()
	d.UpdatedAt = updatedAt.Local()
	if startedAt.Valid {
		t := startedAt.Time.Local()
		d.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.Local()
		d.FinishedAt = &t
	}
	return &d, nil
}
