package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/buildsched/internal/model"
)

// Error codes carried in Reply.Code
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeBadRequest = "bad_request"
	CodeInternal   = "internal"
)

// Reply is the envelope of every command response
type Reply struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"code,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// AddTaskRequest schedules a one-shot build
type AddTaskRequest struct {
	TargetID      string            `json:"target_id"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Parameters    map[string]string `json:"parameters"`
	Description   string            `json:"description"`
}

// EditTaskRequest changes a pending task
type EditTaskRequest struct {
	ID            string            `json:"id"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Parameters    map[string]string `json:"parameters"`
	Description   string            `json:"description"`
}

// IDRequest addresses a single task or rule
type IDRequest struct {
	ID string `json:"id"`
}

// ListRequest filters task and rule listings. An empty target lists everything.
type ListRequest struct {
	TargetID    string `json:"target_id"`
	PendingOnly bool   `json:"pending_only"`
}

// RuleRequest describes a recurrence rule. Only the fields of Kind are used.
type RuleRequest struct {
	// ID is the rule to replace, used by rule.replace only
	ID string `json:"id,omitempty"`

	TargetID    string            `json:"target_id"`
	Kind        model.RuleKind    `json:"kind"`
	Parameters  map[string]string `json:"parameters"`
	Description string            `json:"description"`

	DailyTime      string `json:"daily_time,omitempty"`
	WeekDays       []int  `json:"week_days,omitempty"`
	WeeklyTime     string `json:"weekly_time,omitempty"`
	MonthDays      []int  `json:"month_days,omitempty"`
	MonthlyTime    string `json:"monthly_time,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Disabled   bool       `json:"disabled,omitempty"`
}

// EnableRuleRequest toggles a rule
type EnableRuleRequest struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// ValidityRequest sets the validity window of a rule
type ValidityRequest struct {
	ID         string     `json:"id"`
	ValidFrom  *time.Time `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
}

// PurgeRequest removes finished tasks older than OlderThan (a Go duration, e.g. "72h")
type PurgeRequest struct {
	OlderThan string `json:"older_than"`
}

// NextFireReply answers rule.next
type NextFireReply struct {
	RuleID string     `json:"rule_id"`
	Next   *time.Time `json:"next,omitempty"`
}

// badRequestError marks a payload that could not be decoded
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string {
	return "invalid request: " + e.err.Error()
}

func (e *badRequestError) Unwrap() error {
	return e.err
}

func decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &badRequestError{err: err}
	}
	return nil
}

func errorReply(err error) Reply {
	var bad *badRequestError
	code := CodeInternal
	switch {
	case errors.As(err, &bad):
		code = CodeBadRequest
	case errors.Is(err, model.ErrValidation):
		code = CodeValidation
	case errors.Is(err, model.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, model.ErrStateConflict):
		code = CodeConflict
	}
	return Reply{Error: err.Error(), Code: code}
}

// buildRule creates a rule from the request with the model constructors
func buildRule(req RuleRequest, now time.Time) (*model.RecurrenceRule, error) {
	var (
		rule *model.RecurrenceRule
		err  error
	)
	switch req.Kind {
	case model.RuleKindDaily:
		rule, err = model.NewDailyRule(req.TargetID, req.DailyTime, req.Parameters, req.Description, now)
	case model.RuleKindWeekly:
		rule, err = model.NewWeeklyRule(req.TargetID, req.WeekDays, req.WeeklyTime, req.Parameters, req.Description, now)
	case model.RuleKindMonthly:
		rule, err = model.NewMonthlyRule(req.TargetID, req.MonthDays, req.MonthlyTime, req.Parameters, req.Description, now)
	case model.RuleKindCron:
		rule, err = model.NewCronRule(req.TargetID, req.CronExpression, req.Parameters, req.Description, now)
	default:
		return nil, fmt.Errorf("%w: unsupported rule kind %q", model.ErrValidation, req.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := rule.SetValidity(req.ValidFrom, req.ValidUntil); err != nil {
		return nil, err
	}
	rule.Enabled = !req.Disabled
	return rule, nil
}
