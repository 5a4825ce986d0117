package taskpod

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Runtime is the slice of the container engine the manager drives.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	Start(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Close() error
}

// DockerRuntime drives a Docker engine over its HTTP API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine at host, or the environment's
// default when host is empty, and verifies that it responds.
func NewDockerRuntime(ctx context.Context, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("taskpod: docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("taskpod: docker ping: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// EnsureImage pulls ref unless it is already present locally.
func (r *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("taskpod: pull %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("taskpod: pull %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRuntime) Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("taskpod: create container: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("taskpod: start container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := r.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("taskpod: kill container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("taskpod: remove container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}
