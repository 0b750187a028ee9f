package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task represents one concrete, single-fire scheduled build
type Task struct {
	ID            string            `json:"id"`
	TargetID      string            `json:"target_id"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Parameters    map[string]string `json:"parameters"`
	Description   string            `json:"description,omitempty"`
	Cancelled     bool              `json:"cancelled"`
	Executed      bool              `json:"executed"`

	// SourceRuleID references the rule that materialized this task. Empty for
	// manually scheduled tasks. The rule does not own the task.
	SourceRuleID string `json:"source_rule_id,omitempty"`
}

// NewTask creates a task with a fresh id. Parameters are copied.
func NewTask(targetID string, at time.Time, params map[string]string, description, sourceRuleID string) *Task {
	return &Task{
		ID:            uuid.New().String(),
		TargetID:      targetID,
		ScheduledTime: at,
		Parameters:    copyParams(params),
		Description:   description,
		SourceRuleID:  sourceRuleID,
	}
}

// Pending reports whether the task is still waiting to fire
func (t *Task) Pending(now time.Time) bool {
	return !t.Cancelled && !t.Executed && t.ScheduledTime.After(now)
}

// Expired reports whether the task matured without being executed
func (t *Task) Expired(now time.Time) bool {
	return !t.Executed && !t.ScheduledTime.After(now)
}

// FromRule reports whether the task was materialized by a recurrence rule
func (t *Task) FromRule() bool {
	return t.SourceRuleID != ""
}

// Clone returns a deep copy of the task
func (t *Task) Clone() Task {
	c := *t
	c.Parameters = copyParams(t.Parameters)
	return c
}

// Cause describes why the build was started, as handed to the trigger
func (t *Task) Cause() string {
	if t.Description == "" {
		return fmt.Sprintf("Scheduled build (ID: %s)", t.ID)
	}
	return fmt.Sprintf("Scheduled build (ID: %s, %s)", t.ID, t.Description)
}

// ParametersString renders parameters as "k=v, k=v" sorted by key
func (t *Task) ParametersString() string {
	return formatParams(t.Parameters)
}

// ParameterValues converts the raw parameters into typed values.
// "true" and "false" (any case) become booleans, everything else stays a string.
func (t *Task) ParameterValues() []ParameterValue {
	return typedValues(t.Parameters)
}

// ParameterKind is the type of a build parameter value
type ParameterKind string

const (
	ParameterString  ParameterKind = "string"
	ParameterBoolean ParameterKind = "boolean"
)

// ParameterValue is a typed build parameter
type ParameterValue struct {
	Name  string        `json:"name"`
	Kind  ParameterKind `json:"kind"`
	Value interface{}   `json:"value"`
}

func typedValues(params map[string]string) []ParameterValue {
	values := make([]ParameterValue, 0, len(params))
	for _, k := range sortedKeys(params) {
		v := params[k]
		if strings.EqualFold(v, "true") || strings.EqualFold(v, "false") {
			b, _ := strconv.ParseBool(strings.ToLower(v))
			values = append(values, ParameterValue{Name: k, Kind: ParameterBoolean, Value: b})
			continue
		}
		values = append(values, ParameterValue{Name: k, Kind: ParameterString, Value: v})
	}
	return values
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return "no parameters"
	}
	parts := make([]string, 0, len(params))
	for _, k := range sortedKeys(params) {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
