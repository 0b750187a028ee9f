package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/executor"
	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/trigger"
)

// WebhookConfig describes the endpoint a target calls
type WebhookConfig struct {
	URL     string            `mapstructure:"url" json:"url"`
	Method  string            `mapstructure:"method" json:"method"`
	Headers map[string]string `mapstructure:"headers" json:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" json:"timeout"`
}

// WebhookPayload is the JSON body sent for each build
type WebhookPayload struct {
	BuildID    string                 `json:"build_id"`
	TaskID     string                 `json:"task_id"`
	TargetID   string                 `json:"target_id"`
	Cause      string                 `json:"cause"`
	Identity   trigger.Identity       `json:"identity"`
	Parameters []model.ParameterValue `json:"parameters"`
}

// WebhookHandler starts a build by calling an HTTP endpoint
type WebhookHandler struct {
	logger     *zap.Logger
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(config WebhookConfig, logger *zap.Logger) (*WebhookHandler, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, errors.New("webhook handler requires a url")
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookHandler{
		logger: logger.Named("webhook"),
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Execute performs the HTTP request
func (h *WebhookHandler) Execute(ctx context.Context, build *executor.Build) (*executor.BuildResult, error) {
	values := build.Values
	if values == nil {
		values = []model.ParameterValue{}
	}
	body, err := json.Marshal(WebhookPayload{
		BuildID:    build.ID,
		TaskID:     build.TaskID,
		TargetID:   build.TargetID,
		Cause:      build.Cause,
		Identity:   build.Identity,
		Parameters: values,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, h.config.Method, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.config.Headers {
		req.Header.Set(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("build_id", build.ID),
		zap.String("method", h.config.Method),
		zap.String("url", h.config.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &executor.BuildResult{Output: string(respBody)}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}
	return result, nil
}
