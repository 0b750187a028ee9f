package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// RuleKind represents the recurrence kind of a rule
type RuleKind string

const (
	RuleKindDaily   RuleKind = "daily"
	RuleKindWeekly  RuleKind = "weekly"
	RuleKindMonthly RuleKind = "monthly"
	RuleKindCron    RuleKind = "cron"
)

// cronParser only checks syntax. Cron rules are never evaluated.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RecurrenceRule is a template that periodically materializes tasks.
//
// Rules are created only through the kind-specific constructors and are
// immutable apart from Enabled and the validity window. Editing a rule means
// removing it and creating a replacement, which gets a new id.
type RecurrenceRule struct {
	ID          string            `json:"id"`
	TargetID    string            `json:"target_id"`
	Kind        RuleKind          `json:"kind"`
	Parameters  map[string]string `json:"parameters"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`

	DailyTime string `json:"daily_time,omitempty"`

	WeekDays   []int  `json:"week_days,omitempty"` // 1=Monday ... 7=Sunday
	WeeklyTime string `json:"weekly_time,omitempty"`

	MonthDays   []int  `json:"month_days,omitempty"` // 1..31
	MonthlyTime string `json:"monthly_time,omitempty"`

	CronExpression string `json:"cron_expression,omitempty"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func newRule(targetID string, kind RuleKind, params map[string]string, description string, createdAt time.Time) (*RecurrenceRule, error) {
	if strings.TrimSpace(targetID) == "" {
		return nil, fmt.Errorf("%w: target id required", ErrValidation)
	}
	return &RecurrenceRule{
		ID:          uuid.New().String(),
		TargetID:    targetID,
		Kind:        kind,
		Parameters:  copyParams(params),
		Description: description,
		Enabled:     true,
		CreatedAt:   createdAt,
	}, nil
}

// NewDailyRule creates a rule firing every day at dailyTime (HH:MM)
func NewDailyRule(targetID, dailyTime string, params map[string]string, description string, createdAt time.Time) (*RecurrenceRule, error) {
	if _, _, err := ParseClock(dailyTime); err != nil {
		return nil, err
	}
	rule, err := newRule(targetID, RuleKindDaily, params, description, createdAt)
	if err != nil {
		return nil, err
	}
	rule.DailyTime = dailyTime
	return rule, nil
}

// NewWeeklyRule creates a rule firing on the given weekdays (1=Monday ... 7=Sunday) at weeklyTime
func NewWeeklyRule(targetID string, weekDays []int, weeklyTime string, params map[string]string, description string, createdAt time.Time) (*RecurrenceRule, error) {
	days, err := normalizeDays(weekDays, 7, "week day")
	if err != nil {
		return nil, err
	}
	if _, _, err := ParseClock(weeklyTime); err != nil {
		return nil, err
	}
	rule, err := newRule(targetID, RuleKindWeekly, params, description, createdAt)
	if err != nil {
		return nil, err
	}
	rule.WeekDays = days
	rule.WeeklyTime = weeklyTime
	return rule, nil
}

// NewMonthlyRule creates a rule firing on the given days of month (1..31) at monthlyTime
func NewMonthlyRule(targetID string, monthDays []int, monthlyTime string, params map[string]string, description string, createdAt time.Time) (*RecurrenceRule, error) {
	days, err := normalizeDays(monthDays, 31, "month day")
	if err != nil {
		return nil, err
	}
	if _, _, err := ParseClock(monthlyTime); err != nil {
		return nil, err
	}
	rule, err := newRule(targetID, RuleKindMonthly, params, description, createdAt)
	if err != nil {
		return nil, err
	}
	rule.MonthDays = days
	rule.MonthlyTime = monthlyTime
	return rule, nil
}

// NewCronRule creates a cron rule. The expression is syntax-checked but such
// rules never produce a next fire time.
func NewCronRule(targetID, expression string, params map[string]string, description string, createdAt time.Time) (*RecurrenceRule, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: cron expression required", ErrValidation)
	}
	if _, err := cronParser.Parse(expression); err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %v", ErrValidation, expression, err)
	}
	rule, err := newRule(targetID, RuleKindCron, params, description, createdAt)
	if err != nil {
		return nil, err
	}
	rule.CronExpression = expression
	return rule, nil
}

// SetValidity bounds when the rule may fire. Nil means unbounded.
func (r *RecurrenceRule) SetValidity(from, until *time.Time) error {
	if from != nil && until != nil && !from.Before(*until) {
		return fmt.Errorf("%w: valid_from must be before valid_until", ErrValidation)
	}
	r.ValidFrom = copyTime(from)
	r.ValidUntil = copyTime(until)
	return nil
}

// Clone returns a deep copy of the rule
func (r *RecurrenceRule) Clone() RecurrenceRule {
	c := *r
	c.Parameters = copyParams(r.Parameters)
	c.WeekDays = append([]int(nil), r.WeekDays...)
	c.MonthDays = append([]int(nil), r.MonthDays...)
	c.ValidFrom = copyTime(r.ValidFrom)
	c.ValidUntil = copyTime(r.ValidUntil)
	return c
}

// ParametersString renders parameters as "k=v, k=v" sorted by key
func (r *RecurrenceRule) ParametersString() string {
	return formatParams(r.Parameters)
}

var weekDayNames = [...]string{"", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// ScheduleDescription returns a human readable summary of the schedule
func (r *RecurrenceRule) ScheduleDescription() string {
	switch r.Kind {
	case RuleKindDaily:
		return "daily - every day at " + r.DailyTime
	case RuleKindWeekly:
		names := make([]string, 0, len(r.WeekDays))
		for _, d := range r.WeekDays {
			if d >= 1 && d <= 7 {
				names = append(names, weekDayNames[d])
			}
		}
		return fmt.Sprintf("weekly - %s at %s", strings.Join(names, ", "), r.WeeklyTime)
	case RuleKindMonthly:
		days := make([]string, 0, len(r.MonthDays))
		for _, d := range r.MonthDays {
			days = append(days, strconv.Itoa(d))
		}
		return fmt.Sprintf("monthly - day %s at %s", strings.Join(days, ", "), r.MonthlyTime)
	case RuleKindCron:
		return "cron - " + r.CronExpression
	default:
		return string(r.Kind)
	}
}

func (r *RecurrenceRule) String() string {
	return fmt.Sprintf("RecurrenceRule[id=%s, target=%s, schedule=%s, enabled=%t]",
		r.ID, r.TargetID, r.ScheduleDescription(), r.Enabled)
}

// ParseClock parses an "HH:MM" time of day
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: invalid time of day %q, want HH:MM", ErrValidation, s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrValidation, s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrValidation, s)
	}
	return hour, minute, nil
}

// normalizeDays validates a day set and returns it sorted without duplicates
func normalizeDays(days []int, max int, what string) ([]int, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("%w: at least one %s required", ErrValidation, what)
	}
	seen := make(map[int]bool, len(days))
	out := make([]int, 0, len(days))
	for _, d := range days {
		if d < 1 || d > max {
			return nil, fmt.Errorf("%w: %s %d out of range 1-%d", ErrValidation, what, d, max)
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
