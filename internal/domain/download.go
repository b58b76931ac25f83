package domain

import "time"

type DownloadStatus string

const (
	DownloadStatusPending   DownloadStatus = "pending"
	DownloadStatusRunning   DownloadStatus = "running"
	DownloadStatusCompleted DownloadStatus = "completed"
	DownloadStatusFailed    DownloadStatus = "failed"
)

// Finished reports whether s is a terminal status.
func (s DownloadStatus) Finished() bool {
	return s == DownloadStatusCompleted || s == DownloadStatusFailed
}

// Download is the persisted record of one queued transfer. Its ID is the
// queue task ID.
type Download struct {
	ID           string
	UserID       int64
	Locator      string
	Destination  string
	Status       DownloadStatus
	Bytes        int64
	Worker       int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}
