package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

var (
	// ErrCapacity is returned when the maximum number of concurrent builds is reached
	ErrCapacity = errors.New("maximum number of concurrent builds reached")

	// ErrOverloaded is returned when host CPU or memory usage is above the limits
	ErrOverloaded = errors.New("host resources above limits")
)

// ResourceLimits defines admission limits for builds
type ResourceLimits struct {
	MaxCPU    float64 // Maximum host CPU usage in percent, 0 disables the check
	MaxMemory float64 // Maximum host memory usage in percent, 0 disables the check
	MaxBuilds int     // Maximum concurrent builds, 0 means unlimited
}

// ResourceStats is the last sampled host usage
type ResourceStats struct {
	CPUUsage      float64   `json:"cpu_usage"`
	MemoryUsage   float64   `json:"memory_usage"`
	RunningBuilds int       `json:"running_builds"`
	CollectedAt   time.Time `json:"collected_at"`
}

// sampler returns host CPU and memory usage in percent
type sampler func() (cpuPercent, memPercent float64, err error)

// ResourceManager admits builds against the configured limits
type ResourceManager struct {
	logger   *zap.Logger
	limits   ResourceLimits
	interval time.Duration
	sample   sampler

	mu     sync.RWMutex
	stats  ResourceStats
	builds map[string]string // build id -> target

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewResourceManager creates a new resource manager sampling every interval
func NewResourceManager(limits ResourceLimits, interval time.Duration, logger *zap.Logger) *ResourceManager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceManager{
		logger:   logger.Named("resource-manager"),
		limits:   limits,
		interval: interval,
		sample:   hostUsage,
		builds:   make(map[string]string),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the resource monitoring loop
func (rm *ResourceManager) Start(ctx context.Context) {
	rm.logger.Info("Starting resource manager",
		zap.Float64("max_cpu", rm.limits.MaxCPU),
		zap.Float64("max_memory", rm.limits.MaxMemory),
		zap.Int("max_builds", rm.limits.MaxBuilds))

	rm.collectResourceStats()
	go rm.monitorResources(ctx)
}

// Stop stops the monitoring loop
func (rm *ResourceManager) Stop() {
	rm.stopOnce.Do(func() {
		rm.logger.Info("Stopping resource manager")
		close(rm.stopCh)
	})
}

// Acquire reserves a build slot
func (rm *ResourceManager) Acquire(buildID, target string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.limits.MaxBuilds > 0 && len(rm.builds) >= rm.limits.MaxBuilds {
		return fmt.Errorf("%w: %d running", ErrCapacity, len(rm.builds))
	}
	if rm.limits.MaxCPU > 0 && rm.stats.CPUUsage > rm.limits.MaxCPU {
		return fmt.Errorf("%w: cpu %.1f%% > %.1f%%", ErrOverloaded, rm.stats.CPUUsage, rm.limits.MaxCPU)
	}
	if rm.limits.MaxMemory > 0 && rm.stats.MemoryUsage > rm.limits.MaxMemory {
		return fmt.Errorf("%w: memory %.1f%% > %.1f%%", ErrOverloaded, rm.stats.MemoryUsage, rm.limits.MaxMemory)
	}

	rm.builds[buildID] = target
	rm.stats.RunningBuilds = len(rm.builds)
	rm.logger.Debug("Build slot acquired", zap.String("build_id", buildID), zap.String("target_id", target))
	return nil
}

// Release frees the build slot
func (rm *ResourceManager) Release(buildID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.builds, buildID)
	rm.stats.RunningBuilds = len(rm.builds)
}

// GetStats returns current resource statistics
func (rm *ResourceManager) GetStats() ResourceStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.stats
}

// monitorResources monitors system resource usage
func (rm *ResourceManager) monitorResources(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.collectResourceStats()
		}
	}
}

// collectResourceStats samples outside the lock since sampling CPU blocks
func (rm *ResourceManager) collectResourceStats() {
	cpuUsage, memUsage, err := rm.sample()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err != nil {
		rm.logger.Error("Failed to sample host usage", zap.Error(err))
		return
	}
	rm.stats.CPUUsage = cpuUsage
	rm.stats.MemoryUsage = memUsage
	rm.stats.RunningBuilds = len(rm.builds)
	rm.stats.CollectedAt = time.Now()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", rm.stats.CPUUsage),
		zap.Float64("memory_usage", rm.stats.MemoryUsage),
		zap.Int("running_builds", rm.stats.RunningBuilds))
}

func hostUsage() (float64, float64, error) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	var cpuUsage float64
	if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}
	return cpuUsage, memInfo.UsedPercent, nil
}
