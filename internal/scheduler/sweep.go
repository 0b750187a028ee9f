package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/recurrence"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// newSweepCron builds the driver of the periodic rule sweep. A sweep that
// overruns the interval makes the next one skip rather than overlap.
func newSweepCron(logger *zap.Logger) *cron.Cron {
	cl := &cronLogger{logger: logger.Named("cron")}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// Sweep materializes, for every enabled rule, the tasks whose fire times fall
// between now and now+lookahead. A rule and instant that already has a task
// is skipped. It returns the number of new tasks, and zero before Start.
func (s *Scheduler) Sweep() int {
	if s.checkLoaded() != nil {
		return 0
	}
	now := s.now()
	created := 0
	rules := s.rules.ListEnabled()
	for _, rule := range rules {
		created += s.sweepRule(rule, now)
	}
	s.logger.Debug("Rule sweep finished",
		zap.Int("rules", len(rules)),
		zap.Int("materialized", created))
	return created
}

func (s *Scheduler) sweepRule(rule model.RecurrenceRule, now time.Time) int {
	horizon := now.Add(s.config.Lookahead)
	created := 0
	from := now
	for i := 0; i < sweepLimit; i++ {
		next, ok := recurrence.Next(&rule, from, s.logger)
		if !ok || next.After(horizon) {
			break
		}
		task := model.NewTask(rule.TargetID, next, rule.Parameters, rule.Description, rule.ID)
		if s.tasks.AddForRule(task) {
			s.arm(*task)
			created++
			s.logger.Info("Materialized task from rule",
				zap.String("rule_id", rule.ID),
				zap.String("task_id", task.ID),
				zap.String("target_id", rule.TargetID),
				zap.Time("scheduled_time", next))
		}
		from = next
	}
	return created
}
