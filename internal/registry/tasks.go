// Package registry holds the in-memory task and rule registries.
//
// Both registries are safe for concurrent use. The structure of each registry
// is guarded by a RWMutex; state transitions on a single id are additionally
// serialised by a striped per-id lock, which is held across the mutation and
// the save hook so that one id's changes reach storage in order.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// SaveFunc persists the current state. It is called after every mutation,
// outside the registry's structural lock.
type SaveFunc func()

// ClaimResult is the outcome of TaskRegistry.Claim
type ClaimResult int

const (
	// ClaimGranted means the caller now owns the execution of the task
	ClaimGranted ClaimResult = iota
	// ClaimGone means the task is absent, cancelled, executed or already claimed
	ClaimGone
	// ClaimEarly means the task is still scheduled in the future
	ClaimEarly
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimGranted:
		return "granted"
	case ClaimGone:
		return "gone"
	case ClaimEarly:
		return "early"
	default:
		return "unknown"
	}
}

// TaskEdit carries the replacement values for TaskRegistry.Update
type TaskEdit struct {
	ScheduledTime time.Time
	Parameters    map[string]string
	Description   string
}

// TaskRegistry stores tasks by id
type TaskRegistry struct {
	logger *zap.Logger
	clock  clockwork.Clock

	mu      sync.RWMutex
	tasks   map[string]*model.Task
	claimed map[string]bool

	locks keyedMutex
	save  SaveFunc
}

// NewTaskRegistry creates an empty task registry
func NewTaskRegistry(clock clockwork.Clock, logger *zap.Logger) *TaskRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TaskRegistry{
		logger:  logger.Named("tasks"),
		clock:   clock,
		tasks:   make(map[string]*model.Task),
		claimed: make(map[string]bool),
		save:    func() {},
	}
}

// SetSaveHook installs the persistence hook
func (r *TaskRegistry) SetSaveHook(fn SaveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		fn = func() {}
	}
	r.save = fn
}

func (r *TaskRegistry) persist() {
	r.mu.RLock()
	save := r.save
	r.mu.RUnlock()
	save()
}

// Add stores a new task. The registry keeps its own copy.
func (r *TaskRegistry) Add(task *model.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: task id required", model.ErrValidation)
	}
	unlock := r.locks.Lock(task.ID)
	defer unlock()

	r.mu.Lock()
	if _, exists := r.tasks[task.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: task %s already exists", model.ErrStateConflict, task.ID)
	}
	c := task.Clone()
	r.tasks[task.ID] = &c
	r.mu.Unlock()

	r.persist()
	return nil
}

// AddForRule stores a task materialized by a rule unless the registry already
// holds a task of the same rule at the same instant. It reports whether the
// task was added.
func (r *TaskRegistry) AddForRule(task *model.Task) bool {
	if task == nil || task.ID == "" || task.SourceRuleID == "" {
		return false
	}
	unlock := r.locks.Lock(task.ID)
	defer unlock()

	r.mu.Lock()
	for _, t := range r.tasks {
		if t.SourceRuleID == task.SourceRuleID && t.ScheduledTime.Equal(task.ScheduledTime) {
			r.mu.Unlock()
			return false
		}
	}
	c := task.Clone()
	r.tasks[task.ID] = &c
	r.mu.Unlock()

	r.persist()
	return true
}

// Get returns a copy of the task
func (r *TaskRegistry) Get(id string) (model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return t.Clone(), true
}

// Remove deletes the task regardless of its state
func (r *TaskRegistry) Remove(id string) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	if _, ok := r.tasks[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, id)
	delete(r.claimed, id)
	r.mu.Unlock()

	r.persist()
	return true
}

// Cancel marks a pending task cancelled. found is false for unknown ids;
// cancelled is false when the task was not pending or its trigger is in flight.
func (r *TaskRegistry) Cancel(id string) (cancelled, found bool) {
	unlock := r.locks.Lock(id)
	defer unlock()

	now := r.clock.Now()
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false, false
	}
	if !t.Pending(now) || r.claimed[id] {
		r.mu.Unlock()
		return false, true
	}
	t.Cancelled = true
	r.mu.Unlock()

	r.persist()
	return true, true
}

// Update replaces the time, parameters and description of a pending task.
// It returns false if the task is absent or no longer pending.
func (r *TaskRegistry) Update(id string, edit TaskEdit) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	now := r.clock.Now()
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || !t.Pending(now) || r.claimed[id] {
		r.mu.Unlock()
		return false
	}
	t.ScheduledTime = edit.ScheduledTime
	t.Parameters = copyParams(edit.Parameters)
	t.Description = edit.Description
	r.mu.Unlock()

	r.persist()
	return true
}

// Claim takes ownership of a matured task for execution. While claimed the
// task is not pending, so it can be neither cancelled nor edited, and a second
// claim fails. The claim ends with MarkExecuted or Release.
func (r *TaskRegistry) Claim(id string) (model.Task, ClaimResult) {
	unlock := r.locks.Lock(id)
	defer unlock()

	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Cancelled || t.Executed || r.claimed[id] {
		return model.Task{}, ClaimGone
	}
	if t.ScheduledTime.After(now) {
		return t.Clone(), ClaimEarly
	}
	r.claimed[id] = true
	return t.Clone(), ClaimGranted
}

// Release gives up a claim without executing the task
func (r *TaskRegistry) Release(id string) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	delete(r.claimed, id)
	r.mu.Unlock()
}

// MarkExecuted records a successful trigger and ends the claim.
// It returns false if the task disappeared in the meantime.
func (r *TaskRegistry) MarkExecuted(id string) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	delete(r.claimed, id)
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	t.Executed = true
	r.mu.Unlock()

	r.persist()
	return true
}

// Claimed reports whether the task's trigger is in flight
func (r *TaskRegistry) Claimed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.claimed[id]
}

// List returns copies of all tasks ordered by scheduled time
func (r *TaskRegistry) List() []model.Task {
	return r.filter(func(*model.Task) bool { return true })
}

// ListByTarget returns the target's tasks ordered by scheduled time
func (r *TaskRegistry) ListByTarget(targetID string) []model.Task {
	return r.filter(func(t *model.Task) bool { return t.TargetID == targetID })
}

// ListPending returns all pending tasks ordered by scheduled time
func (r *TaskRegistry) ListPending() []model.Task {
	now := r.clock.Now()
	return r.filter(func(t *model.Task) bool { return t.Pending(now) && !r.claimed[t.ID] })
}

// ListPendingByTarget returns the target's pending tasks ordered by scheduled time
func (r *TaskRegistry) ListPendingByTarget(targetID string) []model.Task {
	now := r.clock.Now()
	return r.filter(func(t *model.Task) bool {
		return t.TargetID == targetID && t.Pending(now) && !r.claimed[t.ID]
	})
}

// filter must be called without r.mu held
func (r *TaskRegistry) filter(keep func(*model.Task) bool) []model.Task {
	r.mu.RLock()
	out := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out
}

// RemoveFinishedBefore deletes executed or cancelled tasks scheduled before
// cutoff and returns how many were removed. State is saved once.
func (r *TaskRegistry) RemoveFinishedBefore(cutoff time.Time) int {
	finished := func(id string) bool {
		t, ok := r.tasks[id]
		return ok && (t.Executed || t.Cancelled) && t.ScheduledTime.Before(cutoff) && !r.claimed[id]
	}

	r.mu.RLock()
	var candidates []string
	for id := range r.tasks {
		if finished(id) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	// Same order as every other mutator: stripe lock first, then mu.
	removed := 0
	for _, id := range candidates {
		unlock := r.locks.Lock(id)
		r.mu.Lock()
		if finished(id) {
			delete(r.tasks, id)
			removed++
		}
		r.mu.Unlock()
		unlock()
	}

	if removed > 0 {
		r.logger.Info("Purged finished tasks", zap.Int("count", removed), zap.Time("cutoff", cutoff))
		r.persist()
	}
	return removed
}

// Snapshot returns copies of all tasks for persistence
func (r *TaskRegistry) Snapshot() []model.Task {
	return r.List()
}

// Load replaces the registry content without saving. Claims are dropped.
func (r *TaskRegistry) Load(tasks []model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*model.Task, len(tasks))
	r.claimed = make(map[string]bool)
	for i := range tasks {
		c := tasks[i].Clone()
		r.tasks[c.ID] = &c
	}
	r.logger.Debug("Loaded tasks", zap.Int("count", len(r.tasks)))
}

// Len returns the number of stored tasks
func (r *TaskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
