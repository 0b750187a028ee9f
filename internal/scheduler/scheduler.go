// Package scheduler runs deferred and recurring builds.
//
// A Scheduler owns the task and rule registries, arms one timer per pending
// task, materializes tasks from recurrence rules on a periodic sweep and hands
// every matured task to the trigger at most once. State is written through to
// the configured store after every mutation.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/recurrence"
	"github.com/t77yq/buildsched/internal/registry"
	"github.com/t77yq/buildsched/internal/storage"
	"github.com/t77yq/buildsched/internal/trigger"
	"github.com/t77yq/buildsched/internal/workerpool"
)

// Config holds the scheduler settings. Zero values select the defaults.
type Config struct {
	// Location is used for "now" and therefore for rule calendar arithmetic
	Location *time.Location

	// SweepInterval is how often enabled rules are evaluated
	SweepInterval time.Duration

	// Lookahead is how far ahead of now a sweep materializes tasks. It is
	// raised to twice the sweep interval when shorter than one interval.
	Lookahead time.Duration

	// PoolSize bounds how many matured tasks are triggered at once
	PoolSize int

	SaveTimeout    time.Duration
	TriggerTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Lookahead < c.SweepInterval {
		c.Lookahead = 2 * c.SweepInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = workerpool.DefaultSize
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.TriggerTimeout <= 0 {
		c.TriggerTimeout = DefaultTriggerTimeout
	}
}

// Deps are the collaborators supplied by the host
type Deps struct {
	Store   storage.Store
	Trigger trigger.Trigger
	Clock   clockwork.Clock
	Logger  *zap.Logger
}

// Stats summarises the scheduler state
type Stats struct {
	TasksPending   int `json:"tasks_pending"`
	TasksInFlight  int `json:"tasks_in_flight"`
	TasksExecuted  int `json:"tasks_executed"`
	TasksCancelled int `json:"tasks_cancelled"`
	TasksExpired   int `json:"tasks_expired"`
	RulesEnabled   int `json:"rules_enabled"`
	RulesDisabled  int `json:"rules_disabled"`
	ArmedTimers    int `json:"armed_timers"`
}

// Scheduler manages one-shot tasks and recurrence rules
type Scheduler struct {
	logger  *zap.Logger
	config  Config
	clock   clockwork.Clock
	store   storage.Store
	trigger trigger.Trigger

	tasks *registry.TaskRegistry
	rules *registry.RuleRegistry
	pool  *workerpool.Pool
	cron  *cron.Cron

	// persistMu serialises snapshot writes. It is never held together with
	// timersMu.
	persistMu sync.Mutex

	timersMu sync.Mutex
	timers   map[string]map[uint64]clockwork.Timer
	timerSeq uint64
	stopped  bool

	startMu sync.Mutex
	started bool

	// loaded is set once the stored snapshot replaced the registries. Until
	// then every mutation is refused, since its save would overwrite the
	// stored state.
	loaded atomic.Bool
}

// New creates a scheduler. Nothing is loaded or armed until Start, and
// mutations return ErrNotStarted until then.
func New(config Config, deps Deps) (*Scheduler, error) {
	if deps.Trigger == nil {
		return nil, fmt.Errorf("%w: trigger required", model.ErrValidation)
	}
	config.setDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Store == nil {
		deps.Store = storage.NewNopStore()
	}
	logger := deps.Logger.Named("scheduler")

	s := &Scheduler{
		logger:  logger,
		config:  config,
		clock:   deps.Clock,
		store:   deps.Store,
		trigger: deps.Trigger,
		tasks:   registry.NewTaskRegistry(deps.Clock, logger),
		rules:   registry.NewRuleRegistry(logger),
		pool:    workerpool.New(config.PoolSize, logger),
		cron:    newSweepCron(logger),
		timers:  make(map[string]map[uint64]clockwork.Timer),
	}
	s.tasks.SetSaveHook(s.save)
	s.rules.SetSaveHook(s.save)
	return s, nil
}

// Start loads the persisted snapshot, re-arms pending tasks, runs a first
// rule sweep and starts the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.Load(ctx); err != nil {
		return err
	}
	recovered := s.Recover()
	materialized := s.Sweep()

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.SweepInterval), func() { s.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule rule sweep: %w", err)
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("Scheduler started",
		zap.Int("recovered", recovered),
		zap.Int("materialized", materialized),
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Duration("lookahead", s.config.Lookahead),
		zap.Int("pool_size", s.pool.Size()))
	return nil
}

// Stop halts the sweep, disarms every timer and waits for in-flight triggers.
// Triggers still running when ctx is done are cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()

	s.timersMu.Lock()
	s.stopped = true
	for id, armed := range s.timers {
		for _, t := range armed {
			t.Stop()
		}
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout reached, cancelling in-flight triggers")
	}
	s.pool.Close()
}

// Load replaces the registries with the stored snapshot without re-arming
// anything.
func (s *Scheduler) Load(ctx context.Context) error {
	snapshot, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load snapshot", zap.Error(err))
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	s.rules.Load(snapshot.Rules)
	s.tasks.Load(snapshot.Tasks)
	s.loaded.Store(true)
	s.logger.Info("Loaded snapshot",
		zap.Int("rules", len(snapshot.Rules)),
		zap.Int("tasks", len(snapshot.Tasks)))
	return nil
}

// Recover arms a timer for every pending task and returns how many were armed.
// Tasks that matured while the process was down are left unexecuted.
func (s *Scheduler) Recover() int {
	now := s.now()
	pending := s.tasks.ListPending()
	for _, task := range pending {
		s.arm(task)
	}

	expired := 0
	for _, task := range s.tasks.List() {
		if task.Expired(now) && !task.Cancelled {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Warn("Skipping tasks that matured while stopped", zap.Int("count", expired))
	}
	s.logger.Info("Recovered pending tasks", zap.Int("count", len(pending)))
	return len(pending)
}

// AddOneShot schedules a single build of target at the given instant, which
// must lie in the future.
func (s *Scheduler) AddOneShot(targetID string, at time.Time, params map[string]string, description string) (model.Task, error) {
	if err := s.checkLoaded(); err != nil {
		return model.Task{}, err
	}
	if strings.TrimSpace(targetID) == "" {
		return model.Task{}, fmt.Errorf("%w: target id required", model.ErrValidation)
	}
	if !at.After(s.now()) {
		return model.Task{}, fmt.Errorf("%w: scheduled time %s is not in the future", model.ErrValidation, at.Format(time.RFC3339))
	}

	task := model.NewTask(targetID, at, params, description, "")
	if err := s.tasks.Add(task); err != nil {
		return model.Task{}, err
	}
	s.arm(*task)

	s.logger.Info("Scheduled build",
		zap.String("task_id", task.ID),
		zap.String("target_id", targetID),
		zap.Time("scheduled_time", at),
		zap.String("parameters", task.ParametersString()))
	return task.Clone(), nil
}

// Cancel cancels a pending task. It returns false without error when the task
// exists but already fired, was cancelled or has its trigger in flight.
func (s *Scheduler) Cancel(id string) (bool, error) {
	if err := s.checkLoaded(); err != nil {
		return false, err
	}
	cancelled, found := s.tasks.Cancel(id)
	if !found {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if cancelled {
		s.disarmAll(id)
		s.logger.Info("Cancelled task", zap.String("task_id", id))
	}
	return cancelled, nil
}

// Edit changes the time, parameters and description of a pending task.
//
// The timer armed for the old time stays in place; when it fires it re-reads
// the task and re-arms itself for the new time. Moving a task earlier arms an
// additional timer for the new time.
func (s *Scheduler) Edit(id string, at time.Time, params map[string]string, description string) error {
	if err := s.checkLoaded(); err != nil {
		return err
	}
	current, ok := s.tasks.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	now := s.now()
	if !current.Pending(now) || s.tasks.Claimed(id) {
		return fmt.Errorf("%w: task %s is not pending", model.ErrStateConflict, id)
	}
	if !at.After(now) {
		return fmt.Errorf("%w: scheduled time %s is not in the future", model.ErrValidation, at.Format(time.RFC3339))
	}
	if !s.tasks.Update(id, registry.TaskEdit{ScheduledTime: at, Parameters: params, Description: description}) {
		return fmt.Errorf("%w: task %s is not pending", model.ErrStateConflict, id)
	}

	if at.Before(current.ScheduledTime) {
		if updated, ok := s.tasks.Get(id); ok {
			s.arm(updated)
		}
	}
	s.logger.Info("Edited task",
		zap.String("task_id", id),
		zap.Time("old_time", current.ScheduledTime),
		zap.Time("scheduled_time", at))
	return nil
}

// Remove deletes the task whatever its state. It reports false before Start.
func (s *Scheduler) Remove(id string) bool {
	if s.checkLoaded() != nil || !s.tasks.Remove(id) {
		return false
	}
	s.disarmAll(id)
	s.logger.Info("Removed task", zap.String("task_id", id))
	return true
}

// GetTask returns the task
func (s *Scheduler) GetTask(id string) (model.Task, error) {
	task, ok := s.tasks.Get(id)
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// ListTasks returns the tasks of target ordered by scheduled time. An empty
// target lists every task.
func (s *Scheduler) ListTasks(targetID string) []model.Task {
	if targetID == "" {
		return s.tasks.List()
	}
	return s.tasks.ListByTarget(targetID)
}

// ListPendingTasks returns the pending tasks of target ordered by scheduled
// time. An empty target lists every pending task.
func (s *Scheduler) ListPendingTasks(targetID string) []model.Task {
	if targetID == "" {
		return s.tasks.ListPending()
	}
	return s.tasks.ListPendingByTarget(targetID)
}

// PurgeOlderThan removes executed and cancelled tasks scheduled more than age
// ago and returns how many were removed
func (s *Scheduler) PurgeOlderThan(age time.Duration) int {
	if s.checkLoaded() != nil {
		return 0
	}
	return s.tasks.RemoveFinishedBefore(s.now().Add(-age))
}

// Stats returns task and rule counts
func (s *Scheduler) Stats() Stats {
	var st Stats
	now := s.now()
	for _, task := range s.tasks.List() {
		switch {
		case task.Executed:
			st.TasksExecuted++
		case task.Cancelled:
			st.TasksCancelled++
		case s.tasks.Claimed(task.ID):
			st.TasksInFlight++
		case task.Pending(now):
			st.TasksPending++
		default:
			st.TasksExpired++
		}
	}
	for _, rule := range s.rules.List() {
		if rule.Enabled {
			st.RulesEnabled++
		} else {
			st.RulesDisabled++
		}
	}

	s.timersMu.Lock()
	for _, armed := range s.timers {
		st.ArmedTimers += len(armed)
	}
	s.timersMu.Unlock()
	return st
}

// AddRule registers a rule built by one of the model constructors and
// materializes its tasks that fall inside the lookahead window
func (s *Scheduler) AddRule(rule *model.RecurrenceRule) (model.RecurrenceRule, error) {
	if err := s.checkLoaded(); err != nil {
		return model.RecurrenceRule{}, err
	}
	if rule == nil {
		return model.RecurrenceRule{}, fmt.Errorf("%w: rule required", model.ErrValidation)
	}
	if err := s.rules.Add(rule); err != nil {
		return model.RecurrenceRule{}, err
	}
	s.logger.Info("Added rule",
		zap.String("rule_id", rule.ID),
		zap.String("target_id", rule.TargetID),
		zap.String("schedule", rule.ScheduleDescription()))

	s.sweepRule(rule.Clone(), s.now())
	return rule.Clone(), nil
}

// AddDailyRule adds a rule firing every day at dailyTime (HH:MM)
func (s *Scheduler) AddDailyRule(targetID, dailyTime string, params map[string]string, description string) (model.RecurrenceRule, error) {
	rule, err := model.NewDailyRule(targetID, dailyTime, params, description, s.now())
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	return s.AddRule(rule)
}

// AddWeeklyRule adds a rule firing on weekDays (1=Monday ... 7=Sunday) at weeklyTime
func (s *Scheduler) AddWeeklyRule(targetID string, weekDays []int, weeklyTime string, params map[string]string, description string) (model.RecurrenceRule, error) {
	rule, err := model.NewWeeklyRule(targetID, weekDays, weeklyTime, params, description, s.now())
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	return s.AddRule(rule)
}

// AddMonthlyRule adds a rule firing on monthDays at monthlyTime
func (s *Scheduler) AddMonthlyRule(targetID string, monthDays []int, monthlyTime string, params map[string]string, description string) (model.RecurrenceRule, error) {
	rule, err := model.NewMonthlyRule(targetID, monthDays, monthlyTime, params, description, s.now())
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	return s.AddRule(rule)
}

// AddCronRule adds a cron rule. Cron rules are stored but never fire.
func (s *Scheduler) AddCronRule(targetID, expression string, params map[string]string, description string) (model.RecurrenceRule, error) {
	rule, err := model.NewCronRule(targetID, expression, params, description, s.now())
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	return s.AddRule(rule)
}

// ReplaceRule removes the rule and adds replacement in its place. Rules are
// immutable, so the replacement keeps its own new id. Pending tasks of the old
// rule are cancelled.
func (s *Scheduler) ReplaceRule(id string, replacement *model.RecurrenceRule) (model.RecurrenceRule, error) {
	if err := s.checkLoaded(); err != nil {
		return model.RecurrenceRule{}, err
	}
	if replacement == nil {
		return model.RecurrenceRule{}, fmt.Errorf("%w: rule required", model.ErrValidation)
	}
	if !s.rules.Remove(id) {
		return model.RecurrenceRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	cancelled := s.cancelRuleTasks(id)
	s.logger.Info("Replacing rule",
		zap.String("rule_id", id),
		zap.String("new_rule_id", replacement.ID),
		zap.Int("cancelled_tasks", cancelled))
	return s.AddRule(replacement)
}

// RemoveRule deletes the rule and cancels its pending tasks. Tasks it already
// fired are kept. It reports false before Start.
func (s *Scheduler) RemoveRule(id string) bool {
	if s.checkLoaded() != nil || !s.rules.Remove(id) {
		return false
	}
	cancelled := s.cancelRuleTasks(id)
	s.logger.Info("Removed rule", zap.String("rule_id", id), zap.Int("cancelled_tasks", cancelled))
	return true
}

// SetRuleEnabled enables or disables the rule. Disabling cancels the pending
// tasks it materialized; enabling materializes the lookahead window again.
func (s *Scheduler) SetRuleEnabled(id string, enabled bool) error {
	if err := s.checkLoaded(); err != nil {
		return err
	}
	if !s.rules.SetEnabled(id, enabled) {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	cancelled := 0
	if enabled {
		if rule, ok := s.rules.Get(id); ok {
			s.sweepRule(rule, s.now())
		}
	} else {
		cancelled = s.cancelRuleTasks(id)
	}
	s.logger.Info("Changed rule state",
		zap.String("rule_id", id),
		zap.Bool("enabled", enabled),
		zap.Int("cancelled_tasks", cancelled))
	return nil
}

// cancelRuleTasks cancels the pending tasks materialized by the rule and
// returns how many were cancelled. Tasks whose trigger is in flight are left
// alone.
func (s *Scheduler) cancelRuleTasks(ruleID string) int {
	cancelled := 0
	for _, task := range s.tasks.ListPending() {
		if task.SourceRuleID != ruleID {
			continue
		}
		if ok, _ := s.tasks.Cancel(task.ID); ok {
			s.disarmAll(task.ID)
			cancelled++
		}
	}
	return cancelled
}

// SetRuleValidity bounds when the rule may fire. Nil means unbounded.
func (s *Scheduler) SetRuleValidity(id string, from, until *time.Time) error {
	if err := s.checkLoaded(); err != nil {
		return err
	}
	if _, ok := s.rules.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err := s.rules.SetValidity(id, from, until); err != nil {
		return err
	}
	if rule, ok := s.rules.Get(id); ok {
		s.sweepRule(rule, s.now())
	}
	return nil
}

// GetRule returns the rule
func (s *Scheduler) GetRule(id string) (model.RecurrenceRule, error) {
	rule, ok := s.rules.Get(id)
	if !ok {
		return model.RecurrenceRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule, nil
}

// ListRules returns the rules of target. An empty target lists every rule.
func (s *Scheduler) ListRules(targetID string) []model.RecurrenceRule {
	if targetID == "" {
		return s.rules.List()
	}
	return s.rules.ListByTarget(targetID)
}

// NextFireTime returns the next instant the rule fires after now
func (s *Scheduler) NextFireTime(ruleID string) (time.Time, bool, error) {
	rule, ok := s.rules.Get(ruleID)
	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	next, ok := recurrence.Next(&rule, s.now(), s.logger)
	return next, ok, nil
}

func (s *Scheduler) checkLoaded() error {
	if !s.loaded.Load() {
		return ErrNotStarted
	}
	return nil
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().In(s.config.Location)
}

// save writes the full snapshot. It runs as the registries' save hook, after
// the mutation and before the mutating call returns.
func (s *Scheduler) save() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snapshot := model.Snapshot{
		Rules: s.rules.Snapshot(),
		Tasks: s.tasks.Snapshot(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
	defer cancel()
	if err := s.store.Save(ctx, snapshot); err != nil {
		s.logger.Error("Failed to save snapshot",
			zap.Int("rules", len(snapshot.Rules)),
			zap.Int("tasks", len(snapshot.Tasks)),
			zap.Error(err))
	}
}
