// Package docker implements the worker container-runtime port on the
// Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"runway/internal/domain/worker"
	"runway/internal/shared/logging"
)

// engineAPI is the slice of the engine client the adapter drives.
type engineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

const defaultNamePrefix = "runway-worker-"

// Options configures the containers the adapter provisions.
type Options struct {
	// DefaultImage is used when the create spec does not name an image.
	DefaultImage string
	// Network attaches containers to a named docker network when set.
	Network string
	// NamePrefix prefixes derived container names. Default "runway-worker-".
	NamePrefix string
	// Labels are stamped on every container in addition to the session labels.
	Labels map[string]string
}

// Client implements worker.DockerClient.
type Client struct {
	api    engineAPI
	opts   Options
	logger logging.Logger
}

// New connects to the engine from the environment (DOCKER_HOST and
// friends) with API version negotiation.
func New(opts Options, logger logging.Logger) (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker engine: %w", err)
	}
	return newClient(api, opts, logger), nil
}

func newClient(api engineAPI, opts Options, logger logging.Logger) *Client {
	if strings.TrimSpace(opts.NamePrefix) == "" {
		opts.NamePrefix = defaultNamePrefix
	}
	return &Client{api: api, opts: opts, logger: logging.OrNop(logger)}
}

// CreateWorker provisions the session container. The container is created
// stopped; the lifecycle starts it explicitly.
func (c *Client) CreateWorker(ctx context.Context, spec worker.CreateSpec) (string, error) {
	image := strings.TrimSpace(spec.Image)
	if image == "" {
		image = strings.TrimSpace(c.opts.DefaultImage)
	}
	if image == "" {
		return "", fmt.Errorf("no image for session %s: spec and default are both empty", spec.SessionID)
	}

	labels := map[string]string{
		"runway.managed":    "true",
		"runway.session_id": spec.SessionID,
	}
	if spec.AppID != "" {
		labels["runway.app_id"] = spec.AppID
	}
	if spec.ProjectName != "" {
		labels["runway.project"] = spec.ProjectName
	}
	for k, v := range c.opts.Labels {
		labels[k] = v
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:  image,
		Env:    flattenEnv(spec.Env),
		Labels: labels,
	}
	host := &container.HostConfig{}
	if c.opts.Network != "" {
		host.NetworkMode = container.NetworkMode(c.opts.Network)
	}

	resp, err := c.api.ContainerCreate(ctx, cfg, host, nil, nil, containerName(c.opts.NamePrefix, spec.SessionID))
	if err != nil {
		return "", fmt.Errorf("create container for session %s: %w", spec.SessionID, err)
	}
	for _, warning := range resp.Warnings {
		c.logger.Warn("[Docker] create %s: %s", resp.ID, warning)
	}
	return resp.ID, nil
}

// Start starts a created or stopped container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Stop stops the container. The engine timeout is whole seconds; zero or
// negative falls back to the engine default.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		seconds := int(timeout.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		opts.Timeout = &seconds
	}
	if err := c.api.ContainerStop(ctx, containerID, opts); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove deletes the container and its anonymous volumes. A container the
// engine no longer knows is treated as already removed.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Exists reports whether the engine still knows the container.
func (c *Client) Exists(ctx context.Context, containerID string) (bool, error) {
	_, err := c.api.ContainerInspect(ctx, containerID)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect container %s: %w", containerID, err)
}

// flattenEnv renders the env map as sorted KEY=VALUE pairs so container
// specs stay deterministic.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// containerName derives a valid engine name from the session id; engine
// names only allow [a-zA-Z0-9_.-].
func containerName(prefix, sessionID string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
