package monitor

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

func (s AlertSeverity) valid() bool {
	switch s {
	case AlertSeverityInfo, AlertSeverityWarning, AlertSeverityError, AlertSeverityCritical:
		return true
	}
	return false
}

// Metric names a value of a Metrics sample an alert rule can watch
type Metric string

const (
	MetricTasksPending  Metric = "tasks_pending"
	MetricTasksInFlight Metric = "tasks_in_flight"
	MetricTasksExpired  Metric = "tasks_expired"
	MetricArmedTimers   Metric = "armed_timers"
	MetricCPUUsage      Metric = "cpu_usage"
	MetricMemoryUsage   Metric = "memory_usage"
	MetricRunningBuilds Metric = "running_builds"
)

func (m Metric) valid() bool {
	switch m {
	case MetricTasksPending, MetricTasksInFlight, MetricTasksExpired, MetricArmedTimers,
		MetricCPUUsage, MetricMemoryUsage, MetricRunningBuilds:
		return true
	}
	return false
}

// AlertRule fires an alert while Metric stays above Threshold
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Metric    Metric        `json:"metric"`
	Threshold float64       `json:"threshold"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event. ResolvedAt is set once the metric drops
// back to or below the threshold.
type Alert struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"rule_id"`
	Metric     Metric        `json:"metric"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}
