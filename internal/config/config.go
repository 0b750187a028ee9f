// Package config loads the server configuration with viper.
//
// Values come from, in increasing priority: built-in defaults, the YAML file
// and BUILDSCHED_* environment variables (BUILDSCHED_SCHEDULER_POOL_SIZE
// overrides scheduler.pool_size).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/buildsched/internal/handler"
	"github.com/t77yq/buildsched/internal/monitor"
)

// ErrInvalidConfig is returned when the loaded configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "BUILDSCHED"

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	History   HistoryConfig   `mapstructure:"history"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type SchedulerConfig struct {
	Timezone       string        `mapstructure:"timezone"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	Lookahead      time.Duration `mapstructure:"lookahead"`
	PoolSize       int           `mapstructure:"pool_size"`
	SaveTimeout    time.Duration `mapstructure:"save_timeout"`
	TriggerTimeout time.Duration `mapstructure:"trigger_timeout"`

	// PurgeInterval is how often finished tasks older than PurgeAge are
	// removed. Zero disables purging.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	PurgeAge      time.Duration `mapstructure:"purge_age"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the snapshot backend: none, file or sqlite
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// TriggerConfig selects how builds are started: local, nats or docker
type TriggerConfig struct {
	Driver string `mapstructure:"driver"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// BuildPrefix is the subject prefix of build requests
	BuildPrefix    string        `mapstructure:"build_prefix"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Commands exposes the scheduler on <command_prefix>.*
	Commands      bool   `mapstructure:"commands"`
	CommandPrefix string `mapstructure:"command_prefix"`

	// Agent answers build requests with the local executor
	Agent bool `mapstructure:"agent"`
}

// ImageMapping maps a target to the image started for it
type ImageMapping struct {
	Target string `mapstructure:"target"`
	Image  string `mapstructure:"image"`
}

type DockerConfig struct {
	Images     []ImageMapping `mapstructure:"images"`
	Network    string         `mapstructure:"network"`
	AutoRemove bool           `mapstructure:"auto_remove"`

	// LogDir collects build container output. Empty disables collection.
	LogDir       string        `mapstructure:"log_dir"`
	LogRetention time.Duration `mapstructure:"log_retention"`
}

// HandlerConfig binds a build handler to a target. Targets are configured as
// a list because viper lower-cases map keys.
type HandlerConfig struct {
	Target  string                     `mapstructure:"target"`
	Type    string                     `mapstructure:"type"` // shell or webhook
	Shell   handler.ShellCommandConfig `mapstructure:"shell"`
	Webhook handler.WebhookConfig      `mapstructure:"webhook"`
}

type ExecutorConfig struct {
	MaxBuilds      int             `mapstructure:"max_builds"`
	MaxCPU         float64         `mapstructure:"max_cpu"`
	MaxMemory      float64         `mapstructure:"max_memory"`
	SampleInterval time.Duration   `mapstructure:"sample_interval"`
	BuildTimeout   time.Duration   `mapstructure:"build_timeout"`
	Handlers       []HandlerConfig `mapstructure:"handlers"`
}

type HistoryConfig struct {
	// Path of the build history database. Empty disables history.
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// AlertConfig is an alert rule loaded at startup
type AlertConfig struct {
	Name      string  `mapstructure:"name"`
	Metric    string  `mapstructure:"metric"`
	Threshold float64 `mapstructure:"threshold"`
	Severity  string  `mapstructure:"severity"`
}

type MonitorConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Subject     string        `mapstructure:"subject"`
	AlertPrefix string        `mapstructure:"alert_prefix"`
	Alerts      []AlertConfig `mapstructure:"alerts"`

	// Email is used when Host is set
	Email monitor.EmailConfig `mapstructure:"email"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "buildsched")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("scheduler.lookahead", 2*time.Minute)
	v.SetDefault("scheduler.pool_size", 5)
	v.SetDefault("scheduler.save_timeout", 10*time.Second)
	v.SetDefault("scheduler.trigger_timeout", 30*time.Second)
	v.SetDefault("scheduler.purge_interval", 24*time.Hour)
	v.SetDefault("scheduler.purge_age", 30*24*time.Hour)
	v.SetDefault("scheduler.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", "data/schedule.json")

	v.SetDefault("trigger.driver", "local")

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.build_prefix", "buildsched.build")
	v.SetDefault("nats.request_timeout", 5*time.Second)
	v.SetDefault("nats.commands", false)
	v.SetDefault("nats.command_prefix", "buildsched")
	v.SetDefault("nats.agent", false)

	v.SetDefault("docker.auto_remove", true)
	v.SetDefault("docker.log_dir", "logs/builds")
	v.SetDefault("docker.log_retention", 7*24*time.Hour)

	v.SetDefault("executor.max_builds", 10)
	v.SetDefault("executor.max_cpu", 90.0)
	v.SetDefault("executor.max_memory", 90.0)
	v.SetDefault("executor.sample_interval", 5*time.Second)
	v.SetDefault("executor.build_timeout", time.Hour)

	v.SetDefault("history.path", "data/build_history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.subject", "buildsched.metrics")
	v.SetDefault("monitor.alert_prefix", "buildsched.alert")
}

// Load reads the configuration. An empty path looks for config.yaml in
// ./config and the working directory and falls back to the defaults when
// neither exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	var problems []string

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q is not a level", c.Log.Level))
	}
	if _, err := c.Scheduler.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("scheduler.timezone %q: %v", c.Scheduler.Timezone, err))
	}
	if c.Scheduler.SweepInterval <= 0 {
		problems = append(problems, "scheduler.sweep_interval must be positive")
	}
	if c.Scheduler.PoolSize <= 0 {
		problems = append(problems, "scheduler.pool_size must be positive")
	}
	if c.Scheduler.PurgeInterval > 0 && c.Scheduler.PurgeAge <= 0 {
		problems = append(problems, "scheduler.purge_age must be positive when purging is enabled")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "none":
	case "file", "json", "sqlite", "sqlite3":
		if c.Storage.Path == "" {
			problems = append(problems, "storage.path is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of none, file, sqlite", c.Storage.Driver))
	}

	switch strings.ToLower(c.Trigger.Driver) {
	case "local", "docker":
	case "nats":
		if len(c.NATS.URLs) == 0 {
			problems = append(problems, "nats.urls is required for the nats trigger")
		}
	default:
		problems = append(problems, fmt.Sprintf("trigger.driver %q is not one of local, nats, docker", c.Trigger.Driver))
	}
	if (c.NATS.Commands || c.NATS.Agent || c.Monitor.Enabled) && len(c.NATS.URLs) == 0 {
		problems = append(problems, "nats.urls is required for commands, agent and monitor")
	}

	for i, h := range c.Executor.Handlers {
		if strings.TrimSpace(h.Target) == "" {
			problems = append(problems, fmt.Sprintf("executor.handlers[%d].target is required", i))
		}
		switch h.Type {
		case "shell":
			if h.Shell.Command == "" {
				problems = append(problems, fmt.Sprintf("executor.handlers[%d].shell.command is required", i))
			}
		case "webhook":
			if h.Webhook.URL == "" {
				problems = append(problems, fmt.Sprintf("executor.handlers[%d].webhook.url is required", i))
			}
		default:
			problems = append(problems, fmt.Sprintf("executor.handlers[%d].type %q is not one of shell, webhook", i, h.Type))
		}
	}

	for i, a := range c.Monitor.Alerts {
		if a.Metric == "" {
			problems = append(problems, fmt.Sprintf("monitor.alerts[%d].metric is required", i))
		}
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		problems = append(problems, "monitor.interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves the configured time zone
func (c SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ImageMap returns the docker image mappings keyed by target
func (c DockerConfig) ImageMap() map[string]string {
	images := make(map[string]string, len(c.Images))
	for _, m := range c.Images {
		images[m.Target] = m.Image
	}
	return images
}

// NewLogger builds the process logger
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Level)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
