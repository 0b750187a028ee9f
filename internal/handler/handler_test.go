package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/executor"
	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/trigger"
)

func sampleBuild() *executor.Build {
	return &executor.Build{
		ID:         "b-1",
		TaskID:     "t-1",
		TargetID:   "folder/app",
		Parameters: map[string]string{"BRANCH": "main", "DEPLOY": "true"},
		Values: []model.ParameterValue{
			{Name: "BRANCH", Kind: model.ParameterString, Value: "main"},
			{Name: "DEPLOY", Kind: model.ParameterBoolean, Value: true},
		},
		Cause:    "Scheduled build (ID: t-1)",
		Identity: trigger.SystemIdentity,
	}
}

func TestShellCommandHandler_PassesParameters(t *testing.T) {
	h, err := NewShellCommandHandler(ShellCommandConfig{
		Command: "sh",
		Args:    []string{"-c", `echo "$BRANCH $DEPLOY $STATIC $BUILDSCHED_TASK_ID"`},
		Env:     map[string]string{"STATIC": "s", "BRANCH": "overridden"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), sampleBuild())
	require.NoError(t, err)
	assert.Equal(t, "main true s t-1", strings.TrimSpace(result.Output))
}

func TestShellCommandHandler_Failure(t *testing.T) {
	h, err := NewShellCommandHandler(ShellCommandConfig{
		Command: "sh",
		Args:    []string{"-c", "echo broken; exit 3"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), sampleBuild())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, result.Output, "broken")
}

func TestShellCommandHandler_Timeout(t *testing.T) {
	h, err := NewShellCommandHandler(ShellCommandConfig{
		Command: "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), sampleBuild())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNewShellCommandHandler_RequiresCommand(t *testing.T) {
	_, err := NewShellCommandHandler(ShellCommandConfig{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestWebhookHandler_PostsTypedParameters(t *testing.T) {
	var (
		got    WebhookPayload
		method string
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		header = r.Header.Get("X-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("queued"))
	}))
	defer srv.Close()

	h, err := NewWebhookHandler(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "secret"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), sampleBuild())
	require.NoError(t, err)
	assert.Equal(t, "queued", result.Output)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "secret", header)
	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, trigger.SystemIdentity, got.Identity)
	require.Len(t, got.Parameters, 2)
	assert.Equal(t, true, got.Parameters[1].Value)
	assert.Equal(t, model.ParameterBoolean, got.Parameters[1].Kind)
}

func TestWebhookHandler_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h, err := NewWebhookHandler(WebhookConfig{URL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), sampleBuild())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewWebhookHandler_RequiresURL(t *testing.T) {
	_, err := NewWebhookHandler(WebhookConfig{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
