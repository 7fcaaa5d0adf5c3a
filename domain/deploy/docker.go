package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/logger"
)

// DockerProvisioner provisions data-plane containers through the Docker
// Engine API. One container per instance, named by the instance row.
type DockerProvisioner struct {
	cli *client.Client
	cfg *config.Config
	log *slog.Logger
}

// NewDockerProvisioner creates a provisioner from the environment's Docker
// settings (DOCKER_HOST et al).
func NewDockerProvisioner(cfg *config.Config, log *slog.Logger) (*DockerProvisioner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Deploy.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.Deploy.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerProvisioner{cli: cli, cfg: cfg, log: log.With(logger.Scope("provisioner"))}, nil
}

// PullImage pulls the rollout image once before any instance is touched.
func (p *DockerProvisioner) PullImage(ctx context.Context, ref string) error {
	rc, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull streams progress JSON; draining it drives the pull to
	// completion.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// Provision replaces an instance's container with one running the given
// image. The old container is stopped and removed first; the new one keeps
// the instance's container name so routing stays stable.
func (p *DockerProvisioner) Provision(ctx context.Context, inst *Instance, ref string) error {
	stopTimeout := 30
	if err := p.cli.ContainerStop(ctx, inst.ContainerName, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		p.log.Warn("stop old container failed", slog.String("container", inst.ContainerName), logger.Error(err))
	}
	if err := p.cli.ContainerRemove(ctx, inst.ContainerName, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove old container: %w", err)
	}

	created, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image: ref,
			Labels: map[string]string{
				"controlplane.instance":  inst.ID,
				"controlplane.subdomain": inst.Subdomain,
			},
		},
		&container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		nil, nil, inst.ContainerName,
	)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// CheckHealth polls the container until it reports healthy (or plain running
// when the image defines no healthcheck), bounded by the configured retries.
func (p *DockerProvisioner) CheckHealth(ctx context.Context, inst *Instance) error {
	retries := p.cfg.Deploy.HealthCheckRetries
	if retries <= 0 {
		retries = 1
	}
	interval := p.cfg.Deploy.HealthCheckTimeout / time.Duration(retries)
	if interval <= 0 {
		interval = time.Second
	}

	var lastState string
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		insp, err := p.cli.ContainerInspect(ctx, inst.ContainerName)
		if err != nil {
			lastState = err.Error()
			continue
		}
		if insp.State == nil || !insp.State.Running {
			lastState = "not running"
			continue
		}
		if insp.State.Health == nil || insp.State.Health.Status == "healthy" {
			return nil
		}
		lastState = insp.State.Health.Status
	}
	return fmt.Errorf("container %s unhealthy after %d checks (last: %s)", inst.ContainerName, retries, lastState)
}
