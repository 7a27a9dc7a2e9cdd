// Package metrics provides Prometheus metrics for lock acquisition and task
// execution.
package metrics

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adityajoshi12/shedlock-go/v2"
)

const namespace = "shedlock"

// Lock attempt outcomes.
const (
	OutcomeAcquired = "acquired"
	OutcomeHeld     = "held"
	OutcomeError    = "error"
)

// Task execution statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Collector holds the lock metrics. It is a shedlock.Observer, so it can be
// handed to the executor with shedlock.WithObserver.
type Collector struct {
	// LockAttempts tracks lock attempts by lock name and outcome.
	LockAttempts *prometheus.CounterVec
	// LockAcquireDuration tracks how long the store took to answer.
	LockAcquireDuration *prometheus.HistogramVec
	// TaskExecutions tracks executor runs by lock name and status.
	TaskExecutions *prometheus.CounterVec
	// TaskDuration tracks task run time for executed tasks.
	TaskDuration *prometheus.HistogramVec
	// UnlockFailures tracks failed releases; those locks stay held until lockAtMostUntil.
	UnlockFailures *prometheus.CounterVec
}

// NewCollector registers the lock metrics with reg. A nil reg uses the
// default Prometheus registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		LockAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_attempts_total",
				Help:      "Total lock attempts by lock name and outcome",
			},
			[]string{"name", "outcome"},
		),
		LockAcquireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_acquire_duration_seconds",
				Help:      "Lock acquisition latency in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"name"},
		),
		TaskExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_executions_total",
				Help:      "Total task executions by lock name and status",
			},
			[]string{"name", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"name"},
		),
		UnlockFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unlock_failures_total",
				Help:      "Total failed lock releases by lock name",
			},
			[]string{"name"},
		),
	}
}

// ExecutionFinished implements shedlock.Observer.
func (c *Collector) ExecutionFinished(name string, result shedlock.TaskResult) {
	switch {
	case !result.Executed:
		c.TaskExecutions.WithLabelValues(name, StatusSkipped).Inc()
		return
	case result.Error != nil:
		c.TaskExecutions.WithLabelValues(name, StatusFailed).Inc()
	default:
		c.TaskExecutions.WithLabelValues(name, StatusSuccess).Inc()
	}
	c.TaskDuration.WithLabelValues(name).Observe(result.Duration.Seconds())
}

// UnlockFailed implements shedlock.Observer.
func (c *Collector) UnlockFailed(name string, _ error) {
	c.UnlockFailures.WithLabelValues(name).Inc()
}

// InstrumentedProvider records every lock attempt made through the wrapped provider.
type InstrumentedProvider struct {
	next      shedlock.LockProvider
	collector *Collector
}

// Instrument wraps provider with attempt metrics.
func Instrument(provider shedlock.LockProvider, collector *Collector) *InstrumentedProvider {
	return &InstrumentedProvider{next: provider, collector: collector}
}

// Lock implements shedlock.LockProvider.
func (p *InstrumentedProvider) Lock(ctx context.Context, config shedlock.LockConfiguration) (shedlock.SimpleLock, error) {
	name := config.Name()
	start := time.Now()
	lock, err := p.next.Lock(ctx, config)
	p.collector.LockAcquireDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		p.collector.LockAttempts.WithLabelValues(name, OutcomeError).Inc()
	case lock == nil:
		p.collector.LockAttempts.WithLabelValues(name, OutcomeHeld).Inc()
	default:
		p.collector.LockAttempts.WithLabelValues(name, OutcomeAcquired).Inc()
	}
	return lock, err
}

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine, gatherer prometheus.Gatherer) {
	RegisterMetricsEndpointWithPath(router, "/metrics", gatherer)
}

// RegisterMetricsEndpointWithPath registers the metrics endpoint at a custom path.
func RegisterMetricsEndpointWithPath(router *gin.Engine, path string, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET(path, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

var (
	_ shedlock.Observer     = (*Collector)(nil)
	_ shedlock.LockProvider = (*InstrumentedProvider)(nil)
)
