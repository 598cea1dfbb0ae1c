package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrContainerNotFound is returned by Engine lookups on a missing container.
var ErrContainerNotFound = errors.New("container not found")

const labelAppID = "appbroker.app_id"

// ContainerSpec describes the single container run for an application.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}

// ContainerState is the part of an inspect result the executor maps.
type ContainerState struct {
	Status    string
	Running   bool
	ExitCode  int
	Error     string
	OOMKilled bool
}

// Engine is the container runtime the docker backend drives.
type Engine interface {
	EnsureImage(ctx context.Context, ref string) error
	Run(ctx context.Context, spec ContainerSpec) (string, error)
	Inspect(ctx context.Context, id string) (ContainerState, error)
	// Logs returns the last lines the container wrote to stderr.
	Logs(ctx context.Context, id string, tail int) ([]string, error)
	Remove(ctx context.Context, id string) error
}

// DockerEngine implements Engine with the Docker Engine API.
type DockerEngine struct {
	client   *client.Client
	platform *ocispec.Platform
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine connects using the standard environment variables
// (DOCKER_HOST and friends), or host when it is set. A non-empty platform
// ("os/arch[/variant]") pins the platform containers are created for.
func NewDockerEngine(host, platform string) (*DockerEngine, error) {
	p, err := parsePlatform(platform)
	if err != nil {
		return nil, err
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{client: cli, platform: p}, nil
}

func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, expecting os/arch[/variant]", s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

func (d *DockerEngine) Close() error { return d.client.Close() }

// EnsureImage pulls ref unless it is already present locally.
func (d *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	opts := image.PullOptions{}
	if d.platform != nil {
		opts.Platform = d.platform.OS + "/" + d.platform.Architecture
	}
	reader, err := d.client.ImagePull(ctx, ref, opts)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// Run creates and starts the container. A container that fails to start
// is removed again.
func (d *DockerEngine) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    envList(spec.Env),
		Labels: map[string]string{labelAppID: spec.Name},
	}
	resp, err := d.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, d.platform, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerEngine) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		return ContainerState{}, ErrContainerNotFound
	}
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ContainerState{}, fmt.Errorf("inspect container %s: no state reported", id)
	}
	return ContainerState{
		Status:    string(info.State.Status),
		Running:   info.State.Running,
		ExitCode:  info.State.ExitCode,
		Error:     info.State.Error,
		OOMKilled: info.State.OOMKilled,
	}, nil
}

func (d *DockerEngine) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	rc, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStderr: true,
		Tail:       fmt.Sprint(tail),
	})
	if errdefs.IsNotFound(err) {
		return nil, ErrContainerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("container logs %s: %w", id, err)
	}
	defer rc.Close()

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(io.Discard, &stderr, rc); err != nil {
		return nil, fmt.Errorf("container logs %s: %w", id, err)
	}
	return lines(&stderr), nil
}

// Remove force-removes the container. A missing container is not an error.
func (d *DockerEngine) Remove(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		env = append(env, k+"="+m[k])
	}
	return env
}

func lines(r io.Reader) []string {
	out := []string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			out = append(out, line)
		}
	}
	return out
}
