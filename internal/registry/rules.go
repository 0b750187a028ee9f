package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// RuleRegistry stores recurrence rules by id
type RuleRegistry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	rules map[string]*model.RecurrenceRule

	locks keyedMutex
	save  SaveFunc
}

// NewRuleRegistry creates an empty rule registry
func NewRuleRegistry(logger *zap.Logger) *RuleRegistry {
	return &RuleRegistry{
		logger: logger.Named("rules"),
		rules:  make(map[string]*model.RecurrenceRule),
		save:   func() {},
	}
}

// SetSaveHook installs the persistence hook
func (r *RuleRegistry) SetSaveHook(fn SaveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		fn = func() {}
	}
	r.save = fn
}

func (r *RuleRegistry) persist() {
	r.mu.RLock()
	save := r.save
	r.mu.RUnlock()
	save()
}

// Add stores a rule. The registry keeps its own copy.
func (r *RuleRegistry) Add(rule *model.RecurrenceRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id required", model.ErrValidation)
	}
	unlock := r.locks.Lock(rule.ID)
	defer unlock()

	r.mu.Lock()
	if _, exists := r.rules[rule.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: rule %s already exists", model.ErrStateConflict, rule.ID)
	}
	c := rule.Clone()
	r.rules[rule.ID] = &c
	r.mu.Unlock()

	r.persist()
	return nil
}

// Get returns a copy of the rule
func (r *RuleRegistry) Get(id string) (model.RecurrenceRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return model.RecurrenceRule{}, false
	}
	return rule.Clone(), true
}

// Remove deletes the rule. Tasks it already materialized are not touched.
func (r *RuleRegistry) Remove(id string) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	if _, ok := r.rules[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.rules, id)
	r.mu.Unlock()

	r.persist()
	return true
}

// SetEnabled toggles the rule. It returns false for unknown ids.
func (r *RuleRegistry) SetEnabled(id string, enabled bool) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	rule, ok := r.rules[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rule.Enabled = enabled
	r.mu.Unlock()

	r.persist()
	return true
}

// SetValidity changes the validity window of the rule
func (r *RuleRegistry) SetValidity(id string, from, until *time.Time) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	rule, ok := r.rules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: rule %s", model.ErrNotFound, id)
	}
	if err := rule.SetValidity(from, until); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.persist()
	return nil
}

// List returns copies of all rules ordered by creation time
func (r *RuleRegistry) List() []model.RecurrenceRule {
	return r.filter(func(*model.RecurrenceRule) bool { return true })
}

// ListByTarget returns the target's rules ordered by creation time
func (r *RuleRegistry) ListByTarget(targetID string) []model.RecurrenceRule {
	return r.filter(func(rule *model.RecurrenceRule) bool { return rule.TargetID == targetID })
}

// ListEnabled returns the enabled rules ordered by creation time
func (r *RuleRegistry) ListEnabled() []model.RecurrenceRule {
	return r.filter(func(rule *model.RecurrenceRule) bool { return rule.Enabled })
}

func (r *RuleRegistry) filter(keep func(*model.RecurrenceRule) bool) []model.RecurrenceRule {
	r.mu.RLock()
	out := make([]model.RecurrenceRule, 0, len(r.rules))
	for _, rule := range r.rules {
		if keep(rule) {
			out = append(out, rule.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Snapshot returns copies of all rules for persistence
func (r *RuleRegistry) Snapshot() []model.RecurrenceRule {
	return r.List()
}

// Load replaces the registry content without saving
func (r *RuleRegistry) Load(rules []model.RecurrenceRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = make(map[string]*model.RecurrenceRule, len(rules))
	for i := range rules {
		c := rules[i].Clone()
		r.rules[c.ID] = &c
	}
	r.logger.Debug("Loaded rules", zap.Int("count", len(r.rules)))
}

// Len returns the number of stored rules
func (r *RuleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
