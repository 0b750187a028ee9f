package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/executor"
	"github.com/t77yq/buildsched/internal/scheduler"
	"github.com/t77yq/buildsched/internal/testutil"
)

type staticStats scheduler.Stats

func (s staticStats) Stats() scheduler.Stats { return scheduler.Stats(s) }

type staticResources executor.ResourceStats

func (r staticResources) Stats() executor.ResourceStats { return executor.ResourceStats(r) }

func TestMetricsCollector_Collect(t *testing.T) {
	_, nc := testutil.StartServer(t)
	logger := zaptest.NewLogger(t)

	sub, err := nc.SubscribeSync(DefaultSubject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	collector := NewMetricsCollector(nc,
		staticStats{TasksPending: 3, RulesEnabled: 1},
		staticResources{CPUUsage: 12.5, RunningBuilds: 2},
		CollectorConfig{}, logger)

	var observed []Metrics
	collector.OnCollect(func(m Metrics) { observed = append(observed, m) })

	metrics := collector.Collect()
	assert.Equal(t, 3, metrics.Scheduler.TasksPending)
	require.NotNil(t, metrics.Resources)
	assert.Equal(t, 2, metrics.Resources.RunningBuilds)
	assert.Equal(t, metrics, collector.Latest())
	require.Len(t, observed, 1)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var published Metrics
	require.NoError(t, json.Unmarshal(msg.Data, &published))
	assert.Equal(t, 3, published.Scheduler.TasksPending)
	assert.Equal(t, 12.5, published.Resources.CPUUsage)
	assert.False(t, published.Timestamp.IsZero())
}

func TestMetricsCollector_AllObserversRun(t *testing.T) {
	collector := NewMetricsCollector(nil, staticStats{TasksPending: 2}, nil, CollectorConfig{}, zaptest.NewLogger(t))

	var first, second []int
	collector.OnCollect(func(m Metrics) { first = append(first, m.Scheduler.TasksPending) })
	collector.OnCollect(func(m Metrics) { second = append(second, m.Scheduler.TasksPending) })

	collector.Collect()
	collector.Collect()
	assert.Equal(t, []int{2, 2}, first)
	assert.Equal(t, []int{2, 2}, second)
}

func TestMetricsCollector_Loop(t *testing.T) {
	_, nc := testutil.StartServer(t)

	sub, err := nc.SubscribeSync("custom.metrics")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	collector := NewMetricsCollector(nc, staticStats{TasksExpired: 1}, nil,
		CollectorConfig{Subject: "custom.metrics", Interval: 50 * time.Millisecond},
		zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collector.Start(ctx)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var published Metrics
	require.NoError(t, json.Unmarshal(msg.Data, &published))
	assert.Equal(t, 1, published.Scheduler.TasksExpired)
	assert.Nil(t, published.Resources)

	collector.Stop()
	collector.Stop()
}

func TestMetrics_Value(t *testing.T) {
	m := Metrics{Scheduler: scheduler.Stats{TasksInFlight: 4, ArmedTimers: 7}}

	v, ok := m.Value(MetricTasksInFlight)
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)

	v, ok = m.Value(MetricArmedTimers)
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = m.Value(MetricMemoryUsage)
	assert.False(t, ok, "resource metrics need executor statistics")

	m.Resources = &executor.ResourceStats{MemoryUsage: 40}
	v, ok = m.Value(MetricMemoryUsage)
	assert.True(t, ok)
	assert.Equal(t, 40.0, v)
}
