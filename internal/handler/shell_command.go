package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/executor"
)

// maxOutput bounds how much command output is kept in build history
const maxOutput = 64 * 1024

// ShellCommandConfig describes the command a target runs
type ShellCommandConfig struct {
	Command    string            `mapstructure:"command" json:"command"`
	Args       []string          `mapstructure:"args" json:"args"`
	Env        map[string]string `mapstructure:"env" json:"env"`
	WorkingDir string            `mapstructure:"working_dir" json:"working_dir"`
	Timeout    time.Duration     `mapstructure:"timeout" json:"timeout"`
}

// ShellCommandHandler runs a fixed command per build. Build parameters are
// passed as environment variables.
type ShellCommandHandler struct {
	logger *zap.Logger
	config ShellCommandConfig
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(config ShellCommandConfig, logger *zap.Logger) (*ShellCommandHandler, error) {
	if strings.TrimSpace(config.Command) == "" {
		return nil, errors.New("shell command handler requires a command")
	}
	return &ShellCommandHandler{
		logger: logger.Named("shell"),
		config: config,
	}, nil
}

// Execute runs the shell command
func (h *ShellCommandHandler) Execute(ctx context.Context, build *executor.Build) (*executor.BuildResult, error) {
	// Create command context with timeout
	cmdCtx := ctx
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, h.config.Command, h.config.Args...)
	if h.config.WorkingDir != "" {
		cmd.Dir = h.config.WorkingDir
	}
	cmd.Env = append(os.Environ(), buildEnv(h.config.Env, build)...)

	h.logger.Info("Executing shell command",
		zap.String("build_id", build.ID),
		zap.String("command", h.config.Command),
		zap.Strings("args", h.config.Args))

	output, err := cmd.CombinedOutput()
	result := &executor.BuildResult{Output: truncate(string(output), maxOutput)}
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return result, errors.New("command execution timed out")
		}
		return result, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(result.Output))
	}
	return result, nil
}

// buildEnv merges static variables with the build parameters and metadata.
// Parameters override static variables of the same name.
func buildEnv(static map[string]string, build *executor.Build) []string {
	vars := make(map[string]string, len(static)+len(build.Parameters)+3)
	for k, v := range static {
		vars[k] = v
	}
	for k, v := range build.Parameters {
		if k == "" || strings.ContainsRune(k, '=') {
			continue
		}
		vars[k] = v
	}
	vars["BUILDSCHED_BUILD_ID"] = build.ID
	vars["BUILDSCHED_TASK_ID"] = build.TaskID
	vars["BUILDSCHED_CAUSE"] = build.Cause

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
