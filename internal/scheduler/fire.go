package scheduler

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/registry"
	"github.com/t77yq/buildsched/internal/trigger"
)

// arm starts a timer for the task's scheduled time. The timer only carries
// the task id; whatever it finds in the registry when it fires decides what
// happens.
func (s *Scheduler) arm(task model.Task) {
	id := task.ID
	delay := task.ScheduledTime.Sub(s.clock.Now())

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.stopped {
		return
	}
	if delay <= 0 {
		s.dispatchLocked(id)
		return
	}

	s.timerSeq++
	seq := s.timerSeq
	timer := s.clock.AfterFunc(delay, func() {
		s.timersMu.Lock()
		defer s.timersMu.Unlock()
		s.disarmLocked(id, seq)
		if s.stopped {
			return
		}
		s.dispatchLocked(id)
	})
	if s.timers[id] == nil {
		s.timers[id] = make(map[uint64]clockwork.Timer)
	}
	s.timers[id][seq] = timer

	s.logger.Debug("Armed timer",
		zap.String("task_id", id),
		zap.Time("scheduled_time", task.ScheduledTime),
		zap.Duration("delay", delay))
}

// dispatchLocked queues the firing of the task. s.timersMu must be held.
func (s *Scheduler) dispatchLocked(id string) {
	if err := s.pool.Submit(func(ctx context.Context) { s.fire(ctx, id) }); err != nil {
		s.logger.Warn("Failed to queue task", zap.String("task_id", id), zap.Error(err))
	}
}

func (s *Scheduler) disarmLocked(id string, seq uint64) {
	armed := s.timers[id]
	delete(armed, seq)
	if len(armed) == 0 {
		delete(s.timers, id)
	}
}

// disarmAll stops every timer of the task
func (s *Scheduler) disarmAll(id string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for _, t := range s.timers[id] {
		t.Stop()
	}
	delete(s.timers, id)
}

// fire runs the firing protocol for one matured task. The claim taken on the
// task excludes a concurrent cancel, edit or second firing until the trigger
// outcome is recorded.
func (s *Scheduler) fire(ctx context.Context, id string) {
	task, result := s.tasks.Claim(id)
	switch result {
	case registry.ClaimGone:
		s.logger.Debug("Task no longer fires", zap.String("task_id", id))
		return
	case registry.ClaimEarly:
		s.logger.Debug("Task was moved later, re-arming",
			zap.String("task_id", id),
			zap.Time("scheduled_time", task.ScheduledTime))
		s.arm(task)
		return
	}

	req := trigger.NewRequest(task)
	tctx, cancel := context.WithTimeout(trigger.WithIdentity(ctx, trigger.SystemIdentity), s.config.TriggerTimeout)
	defer cancel()

	outcome, err := s.trigger.Trigger(tctx, req)
	if err == nil && outcome == trigger.Accepted {
		s.tasks.MarkExecuted(id)
		s.logger.Info("Triggered build",
			zap.String("task_id", id),
			zap.String("target_id", task.TargetID),
			zap.String("rule_id", task.SourceRuleID),
			zap.Time("scheduled_time", task.ScheduledTime),
			zap.Duration("lateness", s.clock.Since(task.ScheduledTime)))
		return
	}

	s.tasks.Release(id)
	if err == nil {
		err = fmt.Errorf("%w: target %s: %s", model.ErrTransientExecution, task.TargetID, outcome)
	} else {
		err = fmt.Errorf("%w: target %s: %v", model.ErrTransientExecution, task.TargetID, err)
	}
	s.logger.Error("Failed to trigger build, not retrying",
		zap.String("task_id", id),
		zap.String("target_id", task.TargetID),
		zap.String("outcome", outcome.String()),
		zap.Error(err))
}
