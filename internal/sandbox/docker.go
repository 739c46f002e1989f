package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/parallelproof/parallelproof/internal/domain"
	"github.com/parallelproof/parallelproof/internal/envpool"
)

const sandboxNetworkName = "parallelproof_sandbox"

// DockerConfig tunes the containerized environments.
type DockerConfig struct {
	Image    string
	MemoryMB int64
	CPULimit float64
}

// DockerProvisioner creates one container per lease on an isolated
// bridge network. Containers carry resource limits and blocked
// host-internal routes so agent code cannot reach the orchestrator.
type DockerProvisioner struct {
	cli       *client.Client
	cfg       DockerConfig
	networkID string
	logger    *slog.Logger
}

// NewDockerProvisioner connects to the Docker daemon and ensures the
// sandbox network exists.
func NewDockerProvisioner(ctx context.Context, cfg DockerConfig, logger *slog.Logger) (*DockerProvisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	networkID, err := ensureSandboxNetwork(ctx, cli)
	if err != nil {
		return nil, err
	}

	return &DockerProvisioner{cli: cli, cfg: cfg, networkID: networkID, logger: logger}, nil
}

// Close releases the Docker client.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

func ensureSandboxNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("creating sandbox network: %w", err)
	}
	return resp.ID, nil
}

// Provision creates and starts a fresh container kept alive until
// released.
func (p *DockerProvisioner) Provision(ctx context.Context) (envpool.Environment, error) {
	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   p.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(p.cfg.CPULimit * math.Pow10(9)),
		},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {NetworkID: p.networkID},
		},
	}, nil, "")
	if err != nil {
		return envpool.Environment{}, fmt.Errorf("creating container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return envpool.Environment{}, fmt.Errorf("starting container: %w", err)
	}

	p.logger.Debug("container provisioned", "container", resp.ID[:12])
	return envpool.Environment{ID: resp.ID, Ref: resp.ID[:12]}, nil
}

// Release force-removes the container.
func (p *DockerProvisioner) Release(ctx context.Context, env envpool.Environment) error {
	if err := p.cli.ContainerRemove(ctx, env.ID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// DockerBenchmarker runs a snippet inside the leased container and
// times the wall clock.
type DockerBenchmarker struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerBenchmarker wraps an existing provisioner's Docker client.
func NewDockerBenchmarker(p *DockerProvisioner) *DockerBenchmarker {
	return &DockerBenchmarker{cli: p.cli, logger: p.logger}
}

// Measure copies the snippet into the container, executes it with the
// language's interpreter and returns elapsed wall time in milliseconds.
func (b *DockerBenchmarker) Measure(ctx context.Context, code, language string, env envpool.Environment) (domain.Measurement, error) {
	interp, ok := interpreters[language]
	if !ok {
		return domain.Measurement{}, fmt.Errorf("no interpreter for language %q", language)
	}

	if err := b.copySnippet(ctx, env.ID, interp.filename, code); err != nil {
		return domain.Measurement{}, err
	}

	execCreate, err := b.cli.ContainerExecCreate(ctx, env.ID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{interp.cmd, "/" + interp.filename},
	})
	if err != nil {
		return domain.Measurement{}, fmt.Errorf("creating exec: %w", err)
	}

	start := time.Now()
	resp, err := b.cli.ContainerExecAttach(ctx, execCreate.ID, container.ExecStartOptions{})
	if err != nil {
		return domain.Measurement{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Measurement{}, fmt.Errorf("%w: %v", domain.ErrBenchmarkTimeout, ctx.Err())
		}
		return domain.Measurement{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return domain.Measurement{}, fmt.Errorf("reading exec output: %w", err)
		}
	}
	elapsed := time.Since(start)

	inspect, err := b.cli.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return domain.Measurement{}, fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return domain.Measurement{}, fmt.Errorf("snippet exited %d: %s", inspect.ExitCode, truncate(stderr.String(), 400))
	}

	return domain.Measurement{Metric: float64(elapsed.Microseconds()) / 1000.0, Unit: "ms"}, nil
}

func (b *DockerBenchmarker) copySnippet(ctx context.Context, containerID, filename, code string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	data := []byte(code)
	if err := tw.WriteHeader(&tar.Header{Name: filename, Mode: 0o644, Size: int64(len(data))}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := b.cli.CopyToContainer(ctx, containerID, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying snippet to container: %w", err)
	}
	return nil
}

// PullImage ensures the benchmark image is present locally. Failure is
// non-fatal; execution will fail later if the image truly is missing.
func (p *DockerProvisioner) PullImage(ctx context.Context) error {
	reader, err := p.cli.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
