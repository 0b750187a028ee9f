package trigger

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	LabelTaskID   = "buildsched.task_id"
	LabelTargetID = "buildsched.target_id"
	LabelIdentity = "buildsched.identity"
)

// DockerConfig configures DockerTrigger
type DockerConfig struct {
	// Images maps target ids to image references. Targets without an entry
	// are used as the image reference themselves.
	Images     map[string]string
	Network    string
	AutoRemove bool

	// LogDir receives one JSON lines file of container output per task.
	// Empty disables log collection.
	LogDir string
}

// containerAPI is the part of the Docker client DockerTrigger needs
type containerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// DockerTrigger starts one container per build. Parameters become
// environment variables and the task id is attached as a label.
type DockerTrigger struct {
	logger *zap.Logger
	docker containerAPI
	config DockerConfig

	// log collectors outlive the Trigger call
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDockerTrigger connects to the Docker daemon configured in the environment
func NewDockerTrigger(config DockerConfig, logger *zap.Logger) (*DockerTrigger, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newDockerTrigger(docker, config, logger), nil
}

func newDockerTrigger(docker containerAPI, config DockerConfig, logger *zap.Logger) *DockerTrigger {
	ctx, cancel := context.WithCancel(context.Background())
	return &DockerTrigger{
		logger: logger.Named("docker-trigger"),
		docker: docker,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close stops log collection and waits for the collectors to finish
func (t *DockerTrigger) Close() {
	t.cancel()
	t.wg.Wait()
}

// Trigger implements Trigger
func (t *DockerTrigger) Trigger(ctx context.Context, req Request) (Outcome, error) {
	image := t.imageFor(req.TargetID)
	logger := t.logger.With(
		zap.String("task_id", req.TaskID),
		zap.String("target_id", req.TargetID),
		zap.String("image", image))

	if _, _, err := t.docker.ImageInspectWithRaw(ctx, image); err != nil {
		if errdefs.IsNotFound(err) {
			logger.Warn("Build image not found")
			return NotFound, nil
		}
		return Rejected, fmt.Errorf("failed to inspect image %s: %w", image, err)
	}

	resp, err := t.docker.ContainerCreate(ctx,
		&container.Config{
			Image: image,
			Env:   buildEnv(req),
			Labels: map[string]string{
				LabelTaskID:   req.TaskID,
				LabelTargetID: req.TargetID,
				LabelIdentity: string(IdentityFrom(ctx)),
			},
		},
		&container.HostConfig{
			AutoRemove:  t.config.AutoRemove,
			NetworkMode: container.NetworkMode(t.config.Network),
		},
		nil, nil, "")
	if err != nil {
		logger.Error("Failed to create build container", zap.Error(err))
		return Rejected, nil
	}

	if err := t.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		logger.Error("Failed to start build container", zap.String("container_id", resp.ID), zap.Error(err))
		return Rejected, nil
	}

	logger.Info("Started build container", zap.String("container_id", resp.ID))
	if t.config.LogDir != "" {
		t.wg.Add(1)
		go t.collectLogs(t.ctx, resp.ID, req.TaskID)
	}
	return Accepted, nil
}

func (t *DockerTrigger) imageFor(targetID string) string {
	if image, ok := t.config.Images[targetID]; ok && image != "" {
		return image
	}
	return targetID
}

// buildEnv renders parameters as KEY=value pairs sorted by key, followed by
// the task id and cause.
func buildEnv(req Request) []string {
	keys := make([]string, 0, len(req.Parameters))
	for k := range req.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		if k == "" || strings.ContainsRune(k, '=') {
			continue
		}
		env = append(env, k+"="+req.Parameters[k])
	}
	env = append(env,
		"BUILDSCHED_TASK_ID="+req.TaskID,
		"BUILDSCHED_CAUSE="+req.Cause)
	return env
}
