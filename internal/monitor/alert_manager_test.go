package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/executor"
	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/scheduler"
	"github.com/t77yq/buildsched/internal/testutil"
)

func TestAlertManager_AddRule(t *testing.T) {
	manager := NewAlertManager(nil, "", zaptest.NewLogger(t))

	rule1 := &AlertRule{
		Name:      "Expired tasks",
		Metric:    MetricTasksExpired,
		Threshold: 0,
	}
	require.NoError(t, manager.AddRule(rule1))
	require.NotEmpty(t, rule1.ID)
	require.False(t, rule1.CreatedAt.IsZero())
	require.Equal(t, rule1.CreatedAt, rule1.UpdatedAt)
	assert.Equal(t, AlertSeverityWarning, rule1.Severity)

	rule2 := &AlertRule{
		Name:      "High CPU usage",
		Metric:    MetricCPUUsage,
		Threshold: 80,
		Severity:  AlertSeverityCritical,
	}
	require.NoError(t, manager.AddRule(rule2))
	require.NotEqual(t, rule1.ID, rule2.ID)

	rules := manager.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "Expired tasks", rules[0].Name)

	err := manager.AddRule(&AlertRule{Name: "bad", Metric: "disk_usage"})
	assert.ErrorIs(t, err, model.ErrValidation)

	err = manager.AddRule(&AlertRule{Name: "bad", Metric: MetricCPUUsage, Severity: "page"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAlertManager_UpdateDeleteRule(t *testing.T) {
	manager := NewAlertManager(nil, "", zaptest.NewLogger(t))

	rule := &AlertRule{Name: "Busy", Metric: MetricRunningBuilds, Threshold: 5}
	require.NoError(t, manager.AddRule(rule))
	created := rule.CreatedAt

	rule.Threshold = 8
	rule.Severity = AlertSeverityError
	require.NoError(t, manager.UpdateRule(rule))

	updated, err := manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 8.0, updated.Threshold)
	assert.Equal(t, AlertSeverityError, updated.Severity)
	assert.Equal(t, created, updated.CreatedAt)
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

	require.NoError(t, manager.DeleteRule(rule.ID))
	_, err = manager.GetRule(rule.ID)
	assert.ErrorIs(t, err, ErrAlertRuleNotFound)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, manager.DeleteRule(rule.ID), ErrAlertRuleNotFound)
	assert.ErrorIs(t, manager.UpdateRule(&AlertRule{ID: "missing", Metric: MetricCPUUsage}), ErrAlertRuleNotFound)
}

func TestAlertManager_RaiseAndResolve(t *testing.T) {
	_, nc := testutil.StartServer(t)
	manager := NewAlertManager(nc, "", zaptest.NewLogger(t))

	sub, err := nc.SubscribeSync(DefaultAlertPrefix + "." + string(MetricTasksExpired))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	rule := &AlertRule{Name: "Expired tasks", Metric: MetricTasksExpired, Threshold: 0, Severity: AlertSeverityError}
	require.NoError(t, manager.AddRule(rule))

	sample := func(expired int) Metrics {
		return Metrics{Timestamp: time.Now(), Scheduler: scheduler.Stats{TasksExpired: expired}}
	}

	manager.Evaluate(sample(2))
	manager.Evaluate(sample(3))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var raised Alert
	require.NoError(t, json.Unmarshal(msg.Data, &raised))
	assert.Equal(t, rule.ID, raised.RuleID)
	assert.Equal(t, AlertSeverityError, raised.Severity)
	assert.Equal(t, 2.0, raised.Value)
	assert.Nil(t, raised.ResolvedAt)
	require.Len(t, manager.Active(), 1)

	manager.Evaluate(sample(0))

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var resolved Alert
	require.NoError(t, json.Unmarshal(msg.Data, &resolved))
	assert.Equal(t, raised.ID, resolved.ID, "an open alert is raised once and resolved once")
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Empty(t, manager.Active())
}

func TestAlertManager_SkipsSilencedAndMissingMetrics(t *testing.T) {
	manager := NewAlertManager(nil, "", zaptest.NewLogger(t))

	require.NoError(t, manager.AddRule(&AlertRule{Name: "cpu", Metric: MetricCPUUsage, Threshold: 50}))
	require.NoError(t, manager.AddRule(&AlertRule{Name: "quiet", Metric: MetricTasksPending, Threshold: 0, Silenced: true}))

	manager.Evaluate(Metrics{Timestamp: time.Now(), Scheduler: scheduler.Stats{TasksPending: 10}})
	assert.Empty(t, manager.Active())

	manager.Evaluate(Metrics{
		Timestamp: time.Now(),
		Resources: &executor.ResourceStats{CPUUsage: 75},
	})
	active := manager.Active()
	require.Len(t, active, 1)
	assert.Equal(t, MetricCPUUsage, active[0].Metric)
}
