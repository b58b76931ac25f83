package queue

import (
	"github.com/sirupsen/logrus"
)

// Observer receives task lifecycle notifications. Calls are made from the
// submitting goroutine (TaskAdmitted) or from workers, so implementations must be
// safe for concurrent use.
type Observer interface {
	TaskAdmitted(task Task)
	TaskSucceeded(res Result)
	TaskFailed(res Result)
	QueueClosed(stats Stats)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) TaskAdmitted(Task)    {}
func (NopObserver) TaskSucceeded(Result) {}
func (NopObserver) TaskFailed(Result)    {}
func (NopObserver) QueueClosed(Stats)    {}

type multiObserver []Observer

// Observers fans notifications out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) TaskAdmitted(task Task) {
	for _, o := range m {
		o.TaskAdmitted(task)
	}
}

func (m multiObserver) TaskSucceeded(res Result) {
	for _, o := range m {
		o.TaskSucceeded(res)
	}
}

func (m multiObserver) TaskFailed(res Result) {
	for _, o := range m {
		o.TaskFailed(res)
	}
}

func (m multiObserver) QueueClosed(stats Stats) {
	for _, o := range m {
		o.QueueClosed(stats)
	}
}

// LogObserver writes notifications to a logrus logger.
type LogObserver struct {
	logger *logrus.Logger
}

func NewLogObserver(logger *logrus.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) TaskAdmitted(task Task) {
	o.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"locator": task.Locator,
		"sink":    sinkName(task.Sink),
	}).Debug("download admitted")
}

func (o *LogObserver) TaskSucceeded(res Result) {
	o.logger.WithFields(logrus.Fields{
		"task_id":  res.Task.ID,
		"worker":   res.Worker,
		"bytes":    res.Bytes,
		"duration": res.Duration().String(),
	}).Infof("downloaded %s", res.Task.Locator)
}

func (o *LogObserver) TaskFailed(res Result) {
	o.logger.WithFields(logrus.Fields{
		"task_id": res.Task.ID,
		"worker":  res.Worker,
		"sink":    sinkName(res.Task.Sink),
	}).Errorf("download failed: %v", res.Err)
}

func (o *LogObserver) QueueClosed(stats Stats) {
	o.logger.WithFields(logrus.Fields{
		"completed": stats.Completed,
		"failed":    stats.Failed,
	}).Info("download queue closed")
}

func sinkName(s Sink) string {
	if s == nil {
		return ""
	}
	return s.String()
}
