package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/config"
	"github.com/t77yq/buildsched/internal/executor"
	"github.com/t77yq/buildsched/internal/handler"
	"github.com/t77yq/buildsched/internal/monitor"
	"github.com/t77yq/buildsched/internal/scheduler"
	"github.com/t77yq/buildsched/internal/service"
	"github.com/t77yq/buildsched/internal/storage"
	"github.com/t77yq/buildsched/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		logger.Fatal("Failed to load time zone", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open schedule store", zap.Error(err))
	}
	defer store.Close()

	var nc *nats.Conn
	if needsNATS(cfg) {
		nc, err = connectNATS(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()
	}

	// The local executor runs builds in-process, for the local trigger and
	// for agent mode.
	var (
		buildExecutor *executor.Executor
		history       *storage.SQLiteBuildHistory
	)
	if strings.EqualFold(cfg.Trigger.Driver, "local") || cfg.NATS.Agent {
		if cfg.History.Path != "" {
			history, err = storage.NewSQLiteBuildHistory(logger, cfg.History.Path)
			if err != nil {
				logger.Fatal("Failed to create build history storage", zap.Error(err))
			}
			defer history.Close()
		}
		buildExecutor, err = newExecutor(cfg, history, logger)
		if err != nil {
			logger.Fatal("Failed to create executor", zap.Error(err))
		}
		buildExecutor.Start(ctx)
	}

	var (
		buildTrigger  trigger.Trigger
		dockerTrigger *trigger.DockerTrigger
	)
	switch strings.ToLower(cfg.Trigger.Driver) {
	case "local":
		buildTrigger = buildExecutor
	case "nats":
		buildTrigger = trigger.NewNATSTrigger(nc, natsTriggerConfig(cfg), logger)
	case "docker":
		dockerTrigger, err = trigger.NewDockerTrigger(trigger.DockerConfig{
			Images:     cfg.Docker.ImageMap(),
			Network:    cfg.Docker.Network,
			AutoRemove: cfg.Docker.AutoRemove,
			LogDir:     cfg.Docker.LogDir,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create Docker trigger", zap.Error(err))
		}
		buildTrigger = dockerTrigger
	}

	sched, err := scheduler.New(scheduler.Config{
		Location:       loc,
		SweepInterval:  cfg.Scheduler.SweepInterval,
		Lookahead:      cfg.Scheduler.Lookahead,
		PoolSize:       cfg.Scheduler.PoolSize,
		SaveTimeout:    cfg.Scheduler.SaveTimeout,
		TriggerTimeout: cfg.Scheduler.TriggerTimeout,
	}, scheduler.Deps{
		Store:   store,
		Trigger: buildTrigger,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	var commands *service.CommandService
	if cfg.NATS.Commands {
		commands = service.NewCommandService(nc, sched, cfg.NATS.CommandPrefix, logger)
		if err := commands.Start(); err != nil {
			logger.Fatal("Failed to start command service", zap.Error(err))
		}
	}

	var agentSub *nats.Subscription
	if cfg.NATS.Agent {
		agentSub, err = trigger.Serve(nc, natsTriggerConfig(cfg), buildExecutor, logger)
		if err != nil {
			logger.Fatal("Failed to start build agent", zap.Error(err))
		}
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	go runPurge(ctx, cfg, sched, buildExecutor, logger)

	var collector *monitor.MetricsCollector
	if cfg.Monitor.Enabled {
		collector, err = startMonitor(ctx, cfg, nc, sched, buildExecutor, logger)
		if err != nil {
			logger.Fatal("Failed to start monitor", zap.Error(err))
		}
	}

	logger.Info("Build scheduler started",
		zap.String("trigger", cfg.Trigger.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("timezone", loc.String()))

	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer shutdownCancel()

	if collector != nil {
		collector.Stop()
	}
	if commands != nil {
		commands.Stop()
	}
	if agentSub != nil {
		if err := agentSub.Unsubscribe(); err != nil {
			logger.Warn("Failed to unsubscribe build agent", zap.Error(err))
		}
	}
	sched.Stop(shutdownCtx)
	if dockerTrigger != nil {
		dockerTrigger.Close()
	}
	if buildExecutor != nil {
		running := buildExecutor.RunningBuilds()
		if len(running) > 0 {
			logger.Info("Waiting for running builds to complete", zap.Int("count", len(running)))
		}
		buildExecutor.Stop(shutdownCtx)
	}

	logger.Info("Server shutting down gracefully")
}

func needsNATS(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Trigger.Driver, "nats") || cfg.NATS.Commands || cfg.NATS.Agent || cfg.Monitor.Enabled
}

func natsTriggerConfig(cfg *config.Config) trigger.NATSConfig {
	return trigger.NATSConfig{
		SubjectPrefix: cfg.NATS.BuildPrefix,
		Timeout:       cfg.NATS.RequestTimeout,
	}
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	urls := strings.Join(cfg.NATS.URLs, ",")

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func newExecutor(cfg *config.Config, history *storage.SQLiteBuildHistory, logger *zap.Logger) (*executor.Executor, error) {
	var historyStorage storage.BuildHistoryStorage
	if history != nil {
		historyStorage = history
	}
	e := executor.NewExecutor(executor.ExecutorConfig{
		MaxBuilds:      cfg.Executor.MaxBuilds,
		MaxCPU:         cfg.Executor.MaxCPU,
		MaxMemory:      cfg.Executor.MaxMemory,
		SampleInterval: cfg.Executor.SampleInterval,
		BuildTimeout:   cfg.Executor.BuildTimeout,
	}, historyStorage, logger)

	for _, hc := range cfg.Executor.Handlers {
		var (
			h   executor.BuildHandler
			err error
		)
		switch hc.Type {
		case "shell":
			h, err = handler.NewShellCommandHandler(hc.Shell, logger)
		case "webhook":
			h, err = handler.NewWebhookHandler(hc.Webhook, logger)
		default:
			err = fmt.Errorf("unknown handler type: %s", hc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create handler for %s: %w", hc.Target, err)
		}
		e.RegisterHandler(hc.Target, h)
	}
	return e, nil
}

func startMonitor(ctx context.Context, cfg *config.Config, nc *nats.Conn, sched *scheduler.Scheduler,
	e *executor.Executor, logger *zap.Logger) (*monitor.MetricsCollector, error) {
	var resources monitor.ResourceSource
	if e != nil {
		resources = e
	}
	collector := monitor.NewMetricsCollector(nc, sched, resources, monitor.CollectorConfig{
		Subject:  cfg.Monitor.Subject,
		Interval: cfg.Monitor.Interval,
	}, logger)

	alerts := monitor.NewAlertManager(nc, cfg.Monitor.AlertPrefix, logger)
	for _, a := range cfg.Monitor.Alerts {
		rule := &monitor.AlertRule{
			Name:      a.Name,
			Metric:    monitor.Metric(a.Metric),
			Threshold: a.Threshold,
			Severity:  monitor.AlertSeverity(a.Severity),
		}
		if err := alerts.AddRule(rule); err != nil {
			return nil, fmt.Errorf("failed to add alert rule %q: %w", a.Name, err)
		}
	}
	if cfg.Monitor.Email.Host != "" {
		email, err := monitor.NewEmailChannel(cfg.Monitor.Email)
		if err != nil {
			return nil, err
		}
		alerts.AddChannel(email)
	}
	collector.OnCollect(alerts.Evaluate)
	collector.Start(ctx)
	return collector, nil
}

// runPurge drops finished tasks, old build history and old build logs on a
// fixed interval
func runPurge(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, e *executor.Executor, logger *zap.Logger) {
	if cfg.Scheduler.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Scheduler.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sched.PurgeOlderThan(cfg.Scheduler.PurgeAge); n > 0 {
				logger.Info("Purged finished tasks", zap.Int("count", n))
			}
			if strings.EqualFold(cfg.Trigger.Driver, "docker") && cfg.Docker.LogDir != "" && cfg.Docker.LogRetention > 0 {
				n, err := trigger.PruneLogs(cfg.Docker.LogDir, cfg.Docker.LogRetention, logger)
				if err != nil {
					logger.Error("Failed to prune build logs", zap.Error(err))
				} else if n > 0 {
					logger.Info("Pruned build logs", zap.Int("count", n))
				}
			}
			if e == nil || cfg.History.Retention <= 0 {
				continue
			}
			cutoff := time.Now().Add(-cfg.History.Retention)
			n, err := e.CleanupOldHistory(ctx, cutoff)
			if err != nil {
				logger.Error("Failed to cleanup old build history", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Cleaned up old build history", zap.Int64("count", n))
			}
		}
	}
}
