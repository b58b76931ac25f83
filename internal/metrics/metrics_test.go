package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"download-queue/internal/queue"
)

func TestObserverRecords(t *testing.T) {
	reg := prom.NewRegistry()
	obs, err := NewObserver(reg, Options{})
	if err != nil {
		t.Fatalf("NewObserver: %v", err)
	}

	start := time.Now()
	obs.TaskAdmitted(queue.Task{ID: "a"})
	obs.TaskAdmitted(queue.Task{ID: "b"})
	obs.TaskSucceeded(queue.Result{Outcome: queue.Success, Bytes: 100, StartedAt: start, FinishedAt: start.Add(time.Second)})

	if got := testutil.ToFloat64(obs.admittedTotal); got != 2 {
		t.Fatalf("admitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(obs.inFlight); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}

	obs.TaskFailed(queue.Result{Outcome: queue.Failure, StartedAt: start, FinishedAt: start.Add(2 * time.Second)})

	if got := testutil.ToFloat64(obs.completedTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("success total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(obs.completedTotal.WithLabelValues("failure")); got != 1 {
		t.Fatalf("failure total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(obs.bytesTotal); got != 100 {
		t.Fatalf("bytes = %v, want 100", got)
	}
	if got := testutil.ToFloat64(obs.inFlight); got != 0 {
		t.Fatalf("in flight = %v, want 0", got)
	}

	count, err := histogramSampleCount(obs.durationSeconds.WithLabelValues("success"))
	if err != nil {
		t.Fatalf("histogramSampleCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("duration sample count = %d, want 1", count)
	}
}

func TestObserverReusesRegisteredCollectors(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewObserver(reg, Options{Namespace: "test"})
	if err != nil {
		t.Fatalf("first NewObserver: %v", err)
	}
	second, err := NewObserver(reg, Options{Namespace: "test"})
	if err != nil {
		t.Fatalf("second NewObserver: %v", err)
	}

	first.TaskAdmitted(queue.Task{})
	second.TaskAdmitted(queue.Task{})
	if got := testutil.ToFloat64(first.admittedTotal); got != 2 {
		t.Fatalf("shared admitted counter = %v, want 2", got)
	}
}

func TestObserverWithQueue(t *testing.T) {
	reg := prom.NewRegistry()
	obs, err := NewObserver(reg, Options{})
	if err != nil {
		t.Fatalf("NewObserver: %v", err)
	}

	fetch := queue.FetcherFunc(func(ctx context.Context, locator string, sink queue.Sink, opts queue.TransferOptions) (int64, error) {
		if locator == "bad" {
			return 0, errors.New("boom")
		}
		return 10, nil
	})
	q, err := queue.New(fetch, queue.Config{Capacity: 2, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := RegisterQueueStats(reg, "", q.Stats); err != nil {
		t.Fatalf("RegisterQueueStats: %v", err)
	}

	for _, loc := range []string{"a", "b", "bad"} {
		if _, err := q.Add(context.Background(), queue.Task{Locator: loc, Sink: nopSink{}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	q.Wait()

	expected := `
# HELP dlq_queue_capacity Maximum concurrent transfers.
# TYPE dlq_queue_capacity gauge
dlq_queue_capacity 2
# HELP dlq_queue_outstanding Tasks admitted and not yet finished.
# TYPE dlq_queue_outstanding gauge
dlq_queue_outstanding 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "dlq_queue_capacity", "dlq_queue_outstanding"); err != nil {
		t.Fatalf("unexpected queue gauges: %v", err)
	}
	if got := testutil.ToFloat64(obs.completedTotal.WithLabelValues("failure")); got != 1 {
		t.Fatalf("failure total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(obs.bytesTotal); got != 20 {
		t.Fatalf("bytes = %v, want 20", got)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type nopSink struct{}

func (nopSink) Open(context.Context) (queue.SinkWriter, error) { return nil, errors.New("unused") }
func (nopSink) String() string                                 { return "nop" }

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
