// Package service exposes the scheduler over NATS request/reply.
package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/scheduler"
)

// DefaultSubjectPrefix is prepended to every command subject
const DefaultSubjectPrefix = "buildsched"

// Scheduler is the part of scheduler.Scheduler the command service drives
type Scheduler interface {
	AddOneShot(targetID string, at time.Time, params map[string]string, description string) (model.Task, error)
	Cancel(id string) (bool, error)
	Edit(id string, at time.Time, params map[string]string, description string) error
	Remove(id string) bool
	GetTask(id string) (model.Task, error)
	ListTasks(targetID string) []model.Task
	ListPendingTasks(targetID string) []model.Task

	AddRule(rule *model.RecurrenceRule) (model.RecurrenceRule, error)
	ReplaceRule(id string, replacement *model.RecurrenceRule) (model.RecurrenceRule, error)
	RemoveRule(id string) bool
	SetRuleEnabled(id string, enabled bool) error
	SetRuleValidity(id string, from, until *time.Time) error
	GetRule(id string) (model.RecurrenceRule, error)
	ListRules(targetID string) []model.RecurrenceRule
	NextFireTime(ruleID string) (time.Time, bool, error)

	PurgeOlderThan(age time.Duration) int
	Stats() scheduler.Stats
}

type handlerFunc func(data []byte) (interface{}, error)

// CommandService answers scheduler commands on <prefix>.task.*, <prefix>.rule.*,
// <prefix>.purge and <prefix>.stats
type CommandService struct {
	logger *zap.Logger
	nc     *nats.Conn
	sched  Scheduler
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewCommandService creates a command service. An empty prefix selects
// DefaultSubjectPrefix.
func NewCommandService(nc *nats.Conn, sched Scheduler, prefix string, logger *zap.Logger) *CommandService {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &CommandService{
		logger: logger.Named("command-service"),
		nc:     nc,
		sched:  sched,
		prefix: strings.TrimSuffix(prefix, "."),
	}
}

// Start subscribes to every command subject
func (s *CommandService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, handle := range s.handlers() {
		subject := s.prefix + "." + name
		handle := handle
		sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
			s.respond(msg, handle)
		})
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.nc.Flush(); err != nil {
		s.unsubscribeLocked()
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	s.logger.Info("Command service started",
		zap.String("prefix", s.prefix),
		zap.Int("subjects", len(s.subs)))
	return nil
}

// Stop removes the subscriptions
func (s *CommandService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
	s.logger.Info("Command service stopped")
}

func (s *CommandService) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *CommandService) respond(msg *nats.Msg, handle handlerFunc) {
	data, err := handle(msg.Data)
	reply := Reply{OK: true, Data: data}
	if err != nil {
		reply = errorReply(err)
		s.logger.Debug("Command failed",
			zap.String("subject", msg.Subject),
			zap.String("code", reply.Code),
			zap.Error(err))
	}

	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal reply", zap.String("subject", msg.Subject), zap.Error(err))
		payload, _ = json.Marshal(Reply{Error: "failed to marshal reply", Code: CodeInternal})
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Error("Failed to send reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (s *CommandService) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"task.add":      s.addTask,
		"task.cancel":   s.cancelTask,
		"task.edit":     s.editTask,
		"task.remove":   s.removeTask,
		"task.get":      s.getTask,
		"task.list":     s.listTasks,
		"rule.add":      s.addRule,
		"rule.replace":  s.replaceRule,
		"rule.remove":   s.removeRule,
		"rule.enable":   s.enableRule,
		"rule.validity": s.setValidity,
		"rule.get":      s.getRule,
		"rule.next":     s.nextFire,
		"rule.list":     s.listRules,
		"purge":         s.purge,
		"stats":         s.stats,
	}
}

func (s *CommandService) addTask(data []byte) (interface{}, error) {
	var req AddTaskRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.sched.AddOneShot(req.TargetID, req.ScheduledTime, req.Parameters, req.Description)
}

func (s *CommandService) cancelTask(data []byte) (interface{}, error) {
	var req IDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	cancelled, err := s.sched.Cancel(req.ID)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": cancelled}, nil
}

func (s *CommandService) editTask(data []byte) (interface{}, error) {
	var req EditTaskRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.sched.Edit(req.ID, req.ScheduledTime, req.Parameters, req.Description); err != nil {
		return nil, err
	}
	return s.sched.GetTask(req.ID)
}

func (s *CommandService) removeTask(data []byte) (interface{}, error) {
	var req IDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": s.sched.Remove(req.ID)}, nil
}

func (s *CommandService) getTask(data []byte) (interface{}, error) {
	var req IDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.sched.GetTask(req.ID)
}

func (s *CommandService) listTasks(data []byte) (interface{}, error) {
	var req ListRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.PendingOnly {
		return s.sched.ListPendingTasks(req.TargetID), nil
	}
	return s.sched.ListTasks(req.TargetID), nil
}

func (s *CommandService) addRule(data []byte) (interface{}, error) {
	var req RuleRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	rule, err := buildRule(req, time.Now())
	if err != nil {
		return nil, err
	}
	return s.sched.AddRule(rule)
}

func (s *CommandService) replaceRule(data []byte) (interface{}, error) {
	var req RuleRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	rule, err := buildRule(req, time.Now())
	if err != nil {
		return nil, err
	}
	return s.sched.ReplaceRule(req.ID, rule)
}

func (s *CommandService) removeRule(data []byte) (interface{}, error) {
	var req IDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": s.sched.RemoveRule(req.ID)}, nil
}

func (s *CommandService) enableRule(data []byte) (interface{}, error) {
	var req EnableRuleRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.sched.SetRuleEnabled(req.ID, req.Enabled); err != nil {
		return nil, err
	}
	return s.sched.GetRule(req.ID)
}

func (s *CommandService) setValidity(data []byte) (interface{}, error) {
	var req ValidityRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.sched.SetRuleValidity(req.ID, req.ValidFrom, req.ValidUntil); err != nil {
		return nil, err
	}
	return s.sched.GetRule(req.ID)
}

func (s *CommandService) getRule(data []byte) (interface{}, error) {
	var req IDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.sched.GetRule(req.ID)
}

func (s *CommandService) nextFire(data []byte) (interface{}, error) {
	var req IDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	next, ok, err := s.sched.NextFireTime(req.ID)
	if err != nil {
		return nil, err
	}
	reply := NextFireReply{RuleID: req.ID}
	if ok {
		reply.Next = &next
	}
	return reply, nil
}

func (s *CommandService) listRules(data []byte) (interface{}, error) {
	var req ListRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.sched.ListRules(req.TargetID), nil
}

func (s *CommandService) purge(data []byte) (interface{}, error) {
	var req PurgeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age < 0 {
		return nil, fmt.Errorf("%w: invalid older_than %q", model.ErrValidation, req.OlderThan)
	}
	return map[string]int{"removed": s.sched.PurgeOlderThan(age)}, nil
}

func (s *CommandService) stats(data []byte) (interface{}, error) {
	return s.sched.Stats(), nil
}
