// Package monitor samples scheduler and executor statistics, publishes them
// on NATS and raises threshold alerts.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/executor"
	"github.com/t77yq/buildsched/internal/scheduler"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultSubject  = "buildsched.metrics"
)

// StatsSource is implemented by scheduler.Scheduler
type StatsSource interface {
	Stats() scheduler.Stats
}

// ResourceSource is implemented by executor.Executor
type ResourceSource interface {
	Stats() executor.ResourceStats
}

// Metrics is one sample
type Metrics struct {
	Timestamp time.Time               `json:"timestamp"`
	Scheduler scheduler.Stats         `json:"scheduler"`
	Resources *executor.ResourceStats `json:"resources,omitempty"`
}

// Value returns the named metric. ok is false for resource metrics when the
// sample carries no executor statistics.
func (m Metrics) Value(metric Metric) (value float64, ok bool) {
	switch metric {
	case MetricTasksPending:
		return float64(m.Scheduler.TasksPending), true
	case MetricTasksInFlight:
		return float64(m.Scheduler.TasksInFlight), true
	case MetricTasksExpired:
		return float64(m.Scheduler.TasksExpired), true
	case MetricArmedTimers:
		return float64(m.Scheduler.ArmedTimers), true
	}
	if m.Resources == nil {
		return 0, false
	}
	switch metric {
	case MetricCPUUsage:
		return m.Resources.CPUUsage, true
	case MetricMemoryUsage:
		return m.Resources.MemoryUsage, true
	case MetricRunningBuilds:
		return float64(m.Resources.RunningBuilds), true
	}
	return 0, false
}

// CollectorConfig configures MetricsCollector
type CollectorConfig struct {
	Subject  string
	Interval time.Duration
}

// MetricsCollector samples its sources on a fixed interval, publishes every
// sample on Subject and passes it to the registered observers
type MetricsCollector struct {
	logger    *zap.Logger
	nc        *nats.Conn
	config    CollectorConfig
	sched     StatsSource
	resources ResourceSource

	mu        sync.RWMutex
	latest    Metrics
	observers []func(Metrics)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector. nc and resources may
// be nil: samples are then not published or carry no executor statistics.
func NewMetricsCollector(nc *nats.Conn, sched StatsSource, resources ResourceSource, config CollectorConfig, logger *zap.Logger) *MetricsCollector {
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &MetricsCollector{
		logger:    logger.Named("metrics-collector"),
		nc:        nc,
		config:    config,
		sched:     sched,
		resources: resources,
		stop:      make(chan struct{}),
	}
}

// OnCollect registers fn to receive every sample
func (c *MetricsCollector) OnCollect(fn func(Metrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector",
		zap.String("subject", c.config.Subject),
		zap.Duration("interval", c.config.Interval))
	go c.collectLoop(ctx)
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample, publishes it and notifies the observers
func (c *MetricsCollector) Collect() Metrics {
	metrics := Metrics{
		Timestamp: time.Now(),
		Scheduler: c.sched.Stats(),
	}
	if c.resources != nil {
		stats := c.resources.Stats()
		metrics.Resources = &stats
	}

	c.mu.Lock()
	c.latest = metrics
	observers := make([]func(Metrics), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	c.publish(metrics)
	for _, fn := range observers {
		fn(metrics)
	}

	c.logger.Debug("Metrics collected",
		zap.Int("tasks_pending", metrics.Scheduler.TasksPending),
		zap.Int("tasks_in_flight", metrics.Scheduler.TasksInFlight),
		zap.Int("tasks_expired", metrics.Scheduler.TasksExpired))
	return metrics
}

func (c *MetricsCollector) publish(metrics Metrics) {
	if c.nc == nil {
		return
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if err := c.nc.Publish(c.config.Subject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

// Latest returns the most recent sample
func (c *MetricsCollector) Latest() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
