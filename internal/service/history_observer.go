package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"download-queue/internal/domain"
	"download-queue/internal/queue"
	"download-queue/internal/repository"
)

// HistoryObserver records task transitions in the download repository.
type HistoryObserver struct {
	queue.NopObserver

	downloads repository.DownloadRepository
	logger    *logrus.Logger
	timeout   time.Duration
}

func NewHistoryObserver(downloads repository.DownloadRepository, logger *logrus.Logger) *HistoryObserver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HistoryObserver{downloads: downloads, logger: logger, timeout: 10 * time.Second}
}

func (o *HistoryObserver) TaskAdmitted(task queue.Task) {
	o.record(task.ID, func(ctx context.Context) error {
		return o.downloads.MarkRunning(ctx, task.ID, time.Now())
	})
}

func (o *HistoryObserver) TaskSucceeded(res queue.Result) {
	o.record(res.Task.ID, func(ctx context.Context) error {
		return o.downloads.MarkFinished(ctx, res.Task.ID, domain.DownloadStatusCompleted, res.Bytes, res.Worker, "", res.FinishedAt)
	})
}

func (o *HistoryObserver) TaskFailed(res queue.Result) {
	msg := "unknown error"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	o.record(res.Task.ID, func(ctx context.Context) error {
		return o.downloads.MarkFinished(ctx, res.Task.ID, domain.DownloadStatusFailed, res.Bytes, res.Worker, msg, res.FinishedAt)
	})
}

// record ignores tasks that were not submitted through the service.
func (o *HistoryObserver) record(id string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, repository.ErrNotFound) {
		o.logger.WithField("task_id", id).Errorf("persist download state: %v", err)
	}
}
