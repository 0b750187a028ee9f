package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/storage"
	"github.com/t77yq/buildsched/internal/trigger"
)

// ExecutorConfig defines configuration for the executor
type ExecutorConfig struct {
	MaxBuilds      int
	MaxCPU         float64
	MaxMemory      float64
	SampleInterval time.Duration
	BuildTimeout   time.Duration
}

// Build is one run of a build handler
type Build struct {
	ID         string                 `json:"id"`
	TaskID     string                 `json:"task_id"`
	TargetID   string                 `json:"target_id"`
	Parameters map[string]string      `json:"parameters"`
	Values     []model.ParameterValue `json:"values"`
	Cause      string                 `json:"cause"`
	Identity   trigger.Identity       `json:"identity"`
	StartedAt  time.Time              `json:"started_at"`
}

// BuildResult is what a handler reports back
type BuildResult struct {
	Output string
}

// BuildHandler runs builds of one target
type BuildHandler interface {
	Execute(ctx context.Context, build *Build) (*BuildResult, error)
}

// Executor runs builds in-process. It implements trigger.Trigger: a request
// is accepted once a handler is found and a slot is free, and the build
// itself runs asynchronously.
type Executor struct {
	logger    *zap.Logger
	config    ExecutorConfig
	history   storage.BuildHistoryStorage
	resources *ResourceManager

	mu       sync.RWMutex
	handlers map[string]BuildHandler

	running sync.Map
	wg      sync.WaitGroup
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecutor creates a new executor. history may be nil.
func NewExecutor(config ExecutorConfig, history storage.BuildHistoryStorage, logger *zap.Logger) *Executor {
	logger = logger.Named("executor")
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		logger:  logger,
		config:  config,
		history: history,
		resources: NewResourceManager(ResourceLimits{
			MaxCPU:    config.MaxCPU,
			MaxMemory: config.MaxMemory,
			MaxBuilds: config.MaxBuilds,
		}, config.SampleInterval, logger),
		handlers: make(map[string]BuildHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts resource sampling
func (e *Executor) Start(ctx context.Context) {
	e.resources.Start(ctx)
}

// RegisterHandler registers the handler for a target path
func (e *Executor) RegisterHandler(target string, handler BuildHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[target] = handler
	e.logger.Info("Registered build handler", zap.String("target_id", target))
}

// Targets returns the registered target paths
func (e *Executor) Targets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	targets := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// Trigger implements trigger.Trigger
func (e *Executor) Trigger(ctx context.Context, req trigger.Request) (trigger.Outcome, error) {
	target, ok := trigger.ResolveTarget(req.TargetID, e.Targets())
	if !ok {
		e.logger.Warn("No handler for target",
			zap.String("task_id", req.TaskID),
			zap.String("target_id", req.TargetID))
		return trigger.NotFound, nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return trigger.Rejected, nil
	}
	handler := e.handlers[target]
	e.wg.Add(1)
	e.mu.Unlock()

	build := &Build{
		ID:         uuid.New().String(),
		TaskID:     req.TaskID,
		TargetID:   target,
		Parameters: req.Parameters,
		Values:     req.Values,
		Cause:      req.Cause,
		Identity:   trigger.IdentityFrom(ctx),
		StartedAt:  time.Now(),
	}

	if err := e.resources.Acquire(build.ID, target); err != nil {
		e.logger.Warn("Build rejected",
			zap.String("task_id", req.TaskID),
			zap.String("target_id", target),
			zap.Error(err))
		e.wg.Done()
		return trigger.Rejected, nil
	}

	record := &storage.BuildHistory{
		ID:        build.ID,
		TaskID:    build.TaskID,
		TargetID:  target,
		Cause:     build.Cause,
		Status:    storage.BuildStatusRunning,
		StartedAt: build.StartedAt,
	}
	if params, err := json.Marshal(build.Values); err == nil {
		record.Parameters = params
	}
	if e.history != nil {
		if err := e.history.Store(ctx, record); err != nil {
			e.logger.Error("Failed to store build history",
				zap.String("build_id", build.ID),
				zap.Error(err))
		}
	}

	e.running.Store(build.ID, build)
	go e.run(handler, build, record)

	e.logger.Info("Build accepted",
		zap.String("build_id", build.ID),
		zap.String("task_id", build.TaskID),
		zap.String("target_id", target),
		zap.String("identity", string(build.Identity)))
	return trigger.Accepted, nil
}

func (e *Executor) run(handler BuildHandler, build *Build, record *storage.BuildHistory) {
	defer e.wg.Done()
	defer e.running.Delete(build.ID)
	defer e.resources.Release(build.ID)

	ctx := e.ctx
	if e.config.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.BuildTimeout)
		defer cancel()
	}

	result, err := e.execute(ctx, handler, build)
	endTime := time.Now()
	record.CompletedAt = &endTime
	record.Duration = endTime.Sub(build.StartedAt)

	if err != nil {
		record.Status = storage.BuildStatusFailed
		record.Error = err.Error()
		e.logger.Error("Build failed",
			zap.String("build_id", build.ID),
			zap.String("target_id", build.TargetID),
			zap.Duration("duration", record.Duration),
			zap.Error(err))
	} else {
		record.Status = storage.BuildStatusCompleted
		if result != nil {
			record.Output = result.Output
		}
		e.logger.Info("Build completed",
			zap.String("build_id", build.ID),
			zap.String("target_id", build.TargetID),
			zap.Duration("duration", record.Duration))
	}

	if e.history != nil {
		if err := e.history.Update(context.Background(), record); err != nil {
			e.logger.Error("Failed to update build history",
				zap.String("build_id", build.ID),
				zap.Error(err))
		}
	}
}

func (e *Executor) execute(ctx context.Context, handler BuildHandler, build *Build) (result *BuildResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build handler panicked: %v", r)
		}
	}()
	return handler.Execute(ctx, build)
}

// RunningBuilds returns the builds currently executing
func (e *Executor) RunningBuilds() []*Build {
	var builds []*Build
	e.running.Range(func(key, value interface{}) bool {
		if build, ok := value.(*Build); ok {
			builds = append(builds, build)
		}
		return true
	})
	sort.Slice(builds, func(i, j int) bool { return builds[i].StartedAt.Before(builds[j].StartedAt) })
	return builds
}

// History retrieves build history
func (e *Executor) History(ctx context.Context, filter storage.HistoryFilter, offset, limit int) ([]*storage.BuildHistory, error) {
	if e.history == nil {
		return nil, nil
	}
	return e.history.List(ctx, filter, offset, limit)
}

// HistoryByID retrieves a specific build history record
func (e *Executor) HistoryByID(ctx context.Context, id string) (*storage.BuildHistory, error) {
	if e.history == nil {
		return nil, fmt.Errorf("%w: build history %s", model.ErrNotFound, id)
	}
	return e.history.Get(ctx, id)
}

// CleanupOldHistory deletes build history records started before the specified time
func (e *Executor) CleanupOldHistory(ctx context.Context, before time.Time) (int64, error) {
	if e.history == nil {
		return 0, nil
	}
	return e.history.DeleteBefore(ctx, before)
}

// Stats returns current resource statistics
func (e *Executor) Stats() ResourceStats {
	return e.resources.GetStats()
}

// Stop rejects new builds and waits for running ones. Running builds are
// cancelled once ctx is done.
func (e *Executor) Stop(ctx context.Context) {
	e.logger.Info("Stopping executor")
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Shutdown timeout reached, cancelling running builds")
		e.cancel()
		<-done
	}
	e.cancel()
	e.resources.Stop()
}
