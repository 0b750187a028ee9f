// Package recurrence computes the next fire time of a recurrence rule.
//
// The computation is pure apart from logging: malformed rules never return an
// error, they yield no next time and log a warning, so a mis-specified rule
// stays inert instead of breaking the sweep that evaluates it.
package recurrence

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// monthScanLimit bounds how many following months a monthly rule looks ahead
// when the current month has no remaining matching day.
const monthScanLimit = 12

// NextFireTime returns the first fire time of rule strictly after from.
// It logs through the global zap logger.
func NextFireTime(rule *model.RecurrenceRule, from time.Time) (time.Time, bool) {
	return Next(rule, from, zap.L())
}

// Next is NextFireTime with an explicit logger
func Next(rule *model.RecurrenceRule, from time.Time, logger *zap.Logger) (time.Time, bool) {
	if rule == nil || !rule.Enabled {
		return time.Time{}, false
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("rule_id", rule.ID), zap.String("kind", string(rule.Kind)))

	if rule.ValidFrom != nil && from.Before(*rule.ValidFrom) {
		from = rule.ValidFrom.In(from.Location())
	}
	if rule.ValidUntil != nil && !from.Before(*rule.ValidUntil) {
		return time.Time{}, false
	}

	var (
		next time.Time
		ok   bool
	)
	switch rule.Kind {
	case model.RuleKindDaily:
		next, ok = nextDaily(rule, from, logger)
	case model.RuleKindWeekly:
		next, ok = nextWeekly(rule, from, logger)
	case model.RuleKindMonthly:
		next, ok = nextMonthly(rule, from, logger)
	case model.RuleKindCron:
		logger.Warn("Rule has no next fire time",
			zap.String("cron_expression", rule.CronExpression),
			zap.Error(model.ErrCronUnsupported))
		return time.Time{}, false
	default:
		logger.Warn("Unknown rule kind")
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}

	if rule.ValidUntil != nil && !next.Before(*rule.ValidUntil) {
		return time.Time{}, false
	}
	return next, true
}

func nextDaily(rule *model.RecurrenceRule, from time.Time, logger *zap.Logger) (time.Time, bool) {
	hour, minute, err := model.ParseClock(rule.DailyTime)
	if err != nil {
		logger.Warn("Failed to parse daily time", zap.String("daily_time", rule.DailyTime), zap.Error(err))
		return time.Time{}, false
	}

	next := at(from, from.Day(), hour, minute)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next, true
}

// nextWeekly scans seven days starting with the day of from. When no matching
// candidate lies after from within that window the rule yields nothing.
func nextWeekly(rule *model.RecurrenceRule, from time.Time, logger *zap.Logger) (time.Time, bool) {
	if len(rule.WeekDays) == 0 {
		logger.Warn("Weekly rule has no week days")
		return time.Time{}, false
	}
	hour, minute, err := model.ParseClock(rule.WeeklyTime)
	if err != nil {
		logger.Warn("Failed to parse weekly time", zap.String("weekly_time", rule.WeeklyTime), zap.Error(err))
		return time.Time{}, false
	}

	days := make(map[int]bool, len(rule.WeekDays))
	for _, d := range rule.WeekDays {
		days[d] = true
	}

	for i := 0; i < 7; i++ {
		day := from.AddDate(0, 0, i)
		if !days[isoWeekday(day.Weekday())] {
			continue
		}
		next := at(day, day.Day(), hour, minute)
		if next.After(from) {
			return next, true
		}
	}
	return time.Time{}, false
}

func nextMonthly(rule *model.RecurrenceRule, from time.Time, logger *zap.Logger) (time.Time, bool) {
	if len(rule.MonthDays) == 0 {
		logger.Warn("Monthly rule has no month days")
		return time.Time{}, false
	}
	hour, minute, err := model.ParseClock(rule.MonthlyTime)
	if err != nil {
		logger.Warn("Failed to parse monthly time", zap.String("monthly_time", rule.MonthlyTime), zap.Error(err))
		return time.Time{}, false
	}

	days := append([]int(nil), rule.MonthDays...)
	sort.Ints(days)

	last := daysIn(from.Year(), from.Month(), from.Location())
	for _, d := range days {
		if d < 1 || d > last {
			continue
		}
		next := at(from, d, hour, minute)
		if next.After(from) {
			return next, true
		}
	}

	// Nothing left this month: take the first valid day of the following
	// months. Those candidates are necessarily after from.
	for i := 1; i <= monthScanLimit; i++ {
		first := time.Date(from.Year(), from.Month()+time.Month(i), 1, 0, 0, 0, 0, from.Location())
		last := daysIn(first.Year(), first.Month(), first.Location())
		for _, d := range days {
			if d >= 1 && d <= last {
				return at(first, d, hour, minute), true
			}
		}
	}
	logger.Warn("Monthly rule has no valid day", zap.Ints("month_days", rule.MonthDays))
	return time.Time{}, false
}

// at builds hour:minute on the given day of ref's month, in ref's location
func at(ref time.Time, day, hour, minute int) time.Time {
	return time.Date(ref.Year(), ref.Month(), day, hour, minute, 0, 0, ref.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// isoWeekday maps time.Weekday to 1=Monday ... 7=Sunday
func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}
