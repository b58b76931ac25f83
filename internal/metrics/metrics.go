// Package metrics exports download queue activity to Prometheus.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"download-queue/internal/queue"
)

const defaultNamespace = "dlq"

// Options controls collector configuration.
type Options struct {
	Namespace       string
	DurationBuckets []float64
}

// Observer is a queue.Observer recording task counters and durations.
type Observer struct {
	admittedTotal   prom.Counter
	completedTotal  *prom.CounterVec
	bytesTotal      prom.Counter
	durationSeconds *prom.HistogramVec
	inFlight        prom.Gauge
}

var _ queue.Observer = (*Observer)(nil)

// NewObserver creates and registers the task collectors. Collectors already
// registered on reg are reused.
func NewObserver(reg prom.Registerer, opts Options) (*Observer, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(0.1, 2, 12)
	}

	admitted := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_admitted_total",
		Help:      "Total number of tasks admitted to the queue.",
	})
	completed := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Total number of finished tasks by outcome.",
	}, []string{"outcome"})
	bytes := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "transferred_bytes_total",
		Help:      "Total bytes written to sinks.",
	})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Transfer duration in seconds.",
		Buckets:   buckets,
	}, []string{"outcome"})
	inFlight := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_flight",
		Help:      "Tasks admitted and not yet finished.",
	})

	var err error
	if admitted, err = registerCollector(reg, admitted); err != nil {
		return nil, err
	}
	if completed, err = registerCollector(reg, completed); err != nil {
		return nil, err
	}
	if bytes, err = registerCollector(reg, bytes); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if inFlight, err = registerCollector(reg, inFlight); err != nil {
		return nil, err
	}

	return &Observer{
		admittedTotal:   admitted,
		completedTotal:  completed,
		bytesTotal:      bytes,
		durationSeconds: duration,
		inFlight:        inFlight,
	}, nil
}

func (o *Observer) TaskAdmitted(queue.Task) {
	o.admittedTotal.Inc()
	o.inFlight.Inc()
}

func (o *Observer) TaskSucceeded(res queue.Result) { o.finished(res) }
func (o *Observer) TaskFailed(res queue.Result)    { o.finished(res) }

func (o *Observer) QueueClosed(queue.Stats) {
	o.inFlight.Set(0)
}

func (o *Observer) finished(res queue.Result) {
	outcome := res.Outcome.String()
	o.completedTotal.WithLabelValues(outcome).Inc()
	o.durationSeconds.WithLabelValues(outcome).Observe(res.Duration().Seconds())
	if res.Bytes > 0 {
		o.bytesTotal.Add(float64(res.Bytes))
	}
	o.inFlight.Dec()
}

// RegisterQueueStats exports queue gauges sampled from stats on every scrape.
func RegisterQueueStats(reg prom.Registerer, namespace string, stats func() queue.Stats) error {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if namespace == "" {
		namespace = defaultNamespace
	}

	gauges := []struct {
		name, help string
		value      func(queue.Stats) float64
	}{
		{"queue_capacity", "Maximum concurrent transfers.", func(s queue.Stats) float64 { return float64(s.Capacity) }},
		{"queue_active", "Slots currently held.", func(s queue.Stats) float64 { return float64(s.Active) }},
		{"queue_waiting", "Callers blocked waiting for a slot.", func(s queue.Stats) float64 { return float64(s.Waiting) }},
		{"queue_outstanding", "Tasks admitted and not yet finished.", func(s queue.Stats) float64 { return float64(s.Outstanding) }},
		{"queue_workers", "Live worker goroutines.", func(s queue.Stats) float64 { return float64(s.Workers) }},
	}
	for _, g := range gauges {
		value := g.value
		collector := prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return value(stats()) })
		if err := reg.Register(collector); err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
	}
	return nil
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
