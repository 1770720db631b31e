package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/stratumhq/stratum/pkg/config"
)

// DockerRuntime implements ContainerRuntime against the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
	cfg *config.SandboxConfig
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the Docker daemon using the standard
// environment configuration (DOCKER_HOST etc.).
func NewDockerRuntime(cfg *config.SandboxConfig) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, cfg: cfg}, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Create(ctx context.Context, name string) (string, error) {
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   r.cfg.MaxFunctionMemory,
			NanoCPUs: int64(r.cfg.MaxFunctionCPU * 1e9),
		},
	}
	if r.cfg.DockerNetwork != "" {
		hostCfg.NetworkMode = container.NetworkMode(r.cfg.DockerNetwork)
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: r.cfg.Image,
		Labels: map[string]string{
			"stratum.managed": "true",
		},
	}, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return created.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

func (r *DockerRuntime) Destroy(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

func (r *DockerRuntime) Running(ctx context.Context, id string) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	return info.State != nil && info.State.Running, nil
}

func (r *DockerRuntime) List(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []ContainerInfo
	for _, c := range containers {
		name := containerName(c.Names)
		// The name filter is a substring match; keep strict prefixes only.
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		out = append(out, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Running: c.State == "running",
		})
	}
	return out, nil
}

// containerName strips the leading slash Docker puts on container names.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func (r *DockerRuntime) WriteFile(ctx context.Context, id, filePath string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}

	err := r.cli.CopyToContainer(ctx, id, path.Dir(filePath), &buf, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy %s into container %s: %w", filePath, id, err)
	}
	return nil
}

func (r *DockerRuntime) ReadFile(ctx context.Context, id, filePath string) ([]byte, error) {
	reader, _, err := r.cli.CopyFromContainer(ctx, id, filePath)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to copy %s from container %s: %w", filePath, id, err)
	}
	defer func() { _ = reader.Close() }()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrFileNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar from container %s: %w", id, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (r *DockerRuntime) RemoveFile(ctx context.Context, id, filePath string) error {
	exec, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd: []string{"rm", "-f", filePath},
	})
	if err != nil {
		return fmt.Errorf("failed to create exec in container %s: %w", id, err)
	}
	if err := r.cli.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s in container %s: %w", filePath, id, err)
	}

	// ContainerExecStart is asynchronous. Wait for rm to finish so the
	// container is actually clean when this returns.
	for {
		inspect, err := r.cli.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("failed to inspect exec in container %s: %w", id, err)
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return fmt.Errorf("failed to remove %s in container %s: rm exited %d",
					filePath, id, inspect.ExitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
