package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// DefaultAlertPrefix is the subject prefix alerts are published under
const DefaultAlertPrefix = "buildsched.alert"

// ErrAlertRuleNotFound is returned for unknown alert rule ids
var ErrAlertRuleNotFound = fmt.Errorf("alert rule %w", model.ErrNotFound)

// AlertManager evaluates alert rules against metric samples. An alert is
// raised when a rule's metric first exceeds its threshold and resolved when
// the metric drops back. Both transitions are published on
// <prefix>.<metric>.
type AlertManager struct {
	logger *zap.Logger
	nc     *nats.Conn
	prefix string

	rules  sync.Map // rule id -> *AlertRule
	active sync.Map // rule id -> *Alert

	mu       sync.RWMutex
	channels []NotificationChannel
}

// NewAlertManager creates a new alert manager. nc may be nil, alerts are
// then only logged.
func NewAlertManager(nc *nats.Conn, prefix string, logger *zap.Logger) *AlertManager {
	if prefix == "" {
		prefix = DefaultAlertPrefix
	}
	return &AlertManager{
		logger: logger.Named("alert-manager"),
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
	}
}

// AddChannel registers a channel that receives every raised and resolved alert
func (m *AlertManager) AddChannel(ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return AlertRule{}, ErrAlertRuleNotFound
	}
	return *value.(*AlertRule), nil
}

// Rules returns all rules ordered by name
func (m *AlertManager) Rules() []AlertRule {
	var rules []AlertRule
	m.rules.Range(func(_, value interface{}) bool {
		rules = append(rules, *value.(*AlertRule))
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

func validateRule(rule *AlertRule) error {
	if !rule.Metric.valid() {
		return fmt.Errorf("%w: unknown metric %q", model.ErrValidation, rule.Metric)
	}
	if rule.Severity == "" {
		rule.Severity = AlertSeverityWarning
	}
	if !rule.Severity.valid() {
		return fmt.Errorf("%w: unknown severity %q", model.ErrValidation, rule.Severity)
	}
	return nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// UpdateRule replaces an existing alert rule. An open alert of the rule stays
// open until the next evaluation decides otherwise.
func (m *AlertManager) UpdateRule(rule *AlertRule) error {
	value, ok := m.rules.Load(rule.ID)
	if !ok {
		return ErrAlertRuleNotFound
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.CreatedAt = value.(*AlertRule).CreatedAt
	rule.UpdatedAt = time.Now()
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// DeleteRule deletes an alert rule and drops its open alert
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.LoadAndDelete(id); !ok {
		return ErrAlertRuleNotFound
	}
	m.active.Delete(id)
	return nil
}

// Active returns the open alerts
func (m *AlertManager) Active() []Alert {
	var alerts []Alert
	m.active.Range(func(_, value interface{}) bool {
		alerts = append(alerts, *value.(*Alert))
		return true
	})
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	return alerts
}

// Evaluate checks every rule against a sample. It is meant to be registered
// with MetricsCollector.OnCollect.
func (m *AlertManager) Evaluate(metrics Metrics) {
	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*AlertRule)
		if rule.Silenced {
			return true
		}
		current, ok := metrics.Value(rule.Metric)
		if !ok {
			return true
		}

		open, isOpen := m.active.Load(rule.ID)
		switch {
		case current > rule.Threshold && !isOpen:
			alert := &Alert{
				ID:        uuid.New().String(),
				RuleID:    rule.ID,
				Metric:    rule.Metric,
				Severity:  rule.Severity,
				Message:   fmt.Sprintf("Alert triggered for rule: %s", rule.Name),
				Value:     current,
				Threshold: rule.Threshold,
				CreatedAt: metrics.Timestamp,
			}
			m.active.Store(rule.ID, alert)
			m.publish(alert)
			m.logger.Warn("Alert created",
				zap.String("id", alert.ID),
				zap.String("rule_id", alert.RuleID),
				zap.String("metric", string(alert.Metric)),
				zap.String("severity", string(alert.Severity)),
				zap.Float64("value", current))
		case current <= rule.Threshold && isOpen:
			alert := *open.(*Alert)
			resolved := metrics.Timestamp
			alert.ResolvedAt = &resolved
			alert.Value = current
			m.active.Delete(rule.ID)
			m.publish(&alert)
			m.logger.Info("Alert resolved",
				zap.String("id", alert.ID),
				zap.String("rule_id", alert.RuleID),
				zap.String("metric", string(alert.Metric)))
		}
		return true
	})
}

func (m *AlertManager) publish(alert *Alert) {
	m.mu.RLock()
	channels := m.channels
	m.mu.RUnlock()
	for _, ch := range channels {
		if err := ch.Send(*alert); err != nil {
			m.logger.Error("Failed to send alert notification", zap.String("id", alert.ID), zap.Error(err))
		}
	}

	if m.nc == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if err := m.nc.Publish(m.prefix+"."+string(alert.Metric), data); err != nil {
		m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
	}
}
