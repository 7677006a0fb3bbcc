package hypervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// DockerDriver runs the SUT as a Docker container. This is the "concrete
// hypervisor driver" spec.md §1 treats as out of scope for the core, but a
// worker needs at least one real implementation to actually drive
// something; a container is the closest idiomatic Go analogue to the
// source's QEMU/KVM process.
type DockerDriver struct {
	cli         *client.Client
	image       string
	containerID string
	log         zerolog.Logger
}

// NewDockerDriver connects to the Docker daemon (using DOCKER_HOST / the
// default socket, per client.FromEnv) and prepares to run image as the
// SUT.
func NewDockerDriver(image string, log zerolog.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return &DockerDriver{cli: cli, image: image, log: log}, nil
}

// DoStartVM creates and starts the SUT container, retrying transient
// daemon errors a few times (image pulls racing, daemon still warming up).
func (d *DockerDriver) DoStartVM(ctx context.Context) error {
	return retry.Do(
		func() error {
			resp, err := d.cli.ContainerCreate(ctx, &container.Config{
				Image: d.image,
				Tty:   true,
			}, nil, nil, nil, "")
			if err != nil {
				return fmt.Errorf("create sut container: %w", err)
			}
			d.containerID = resp.ID

			if err := d.cli.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
				return fmt.Errorf("start sut container: %w", err)
			}
			d.log.Info().Str("container", d.containerID).Str("image", d.image).Msg("sut started")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
	)
}

// DoStopVM stops and removes the SUT container, tolerating the container
// already being gone.
func (d *DockerDriver) DoStopVM(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	timeout := 10
	if err := d.cli.ContainerStop(ctx, d.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		d.log.Warn().Err(err).Str("container", d.containerID).Msg("stop sut container failed, removing anyway")
	}
	if err := d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove sut container: %w", err)
	}
	d.containerID = ""
	return nil
}

// RawAlive reports whether the SUT container is currently running.
func (d *DockerDriver) RawAlive(ctx context.Context) bool {
	if d.containerID == "" {
		return false
	}
	info, err := d.cli.ContainerInspect(ctx, d.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}
