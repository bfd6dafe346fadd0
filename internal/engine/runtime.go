package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// BindMount is a host directory exposed to a tool container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything the runtime needs to create a container.
type ContainerSpec struct {
	Name            string
	Image           string
	Argv            []string
	MemoryBytes     int64
	CPUQuotaPercent int
	Mounts          []BindMount
	AutoRemove      bool
}

// Runtime abstracts the container daemon. The default implementation
// targets an OCI-compatible daemon over the Docker API.
type Runtime interface {
	Pull(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	// Attach returns a demultiplexed combined stdout/stderr stream.
	// Must be called before Start so no output is lost.
	Attach(ctx context.Context, id string) (io.ReadCloser, error)
	Start(ctx context.Context, id string) error
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// List returns ids of containers whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DockerRuntime implements Runtime against a Docker daemon.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects using the standard environment variables.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container daemon: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// Pull fetches the image if it is not present locally.
func (r *DockerRuntime) Pull(ctx context.Context, ref string) error {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}

	r.logger.Info("pulling tool image", "image", ref)
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	// Drain the progress stream; pull completes when it closes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// Create builds the container with the resource and security settings
// every tool invocation gets: memory cap, CPU quota, no-new-privileges.
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{
		AutoRemove:  spec.AutoRemove,
		Mounts:      mounts,
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUPeriod: 100000,
			CPUQuota:  int64(spec.CPUQuotaPercent) * 1000,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Argv,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// Attach hooks stdout/stderr before start and demultiplexes the muxed
// stream into a single ordered reader.
func (r *DockerRuntime) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container %s: %w", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer resp.Close()
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

func (r *DockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container %s: %s", id, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container %s: %w", id, err)
	}
}

func (r *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := r.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running") {
			return nil
		}
		return fmt.Errorf("killing container %s: %w", id, err)
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// List finds containers left behind by earlier runs, matching on the
// name prefix used at creation.
func (r *DockerRuntime) List(ctx context.Context, prefix string) ([]string, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var ids []string
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
