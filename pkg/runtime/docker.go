package runtime

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/telemetry"
)

// ContainerInspector is the part of the Docker API the starter needs.
// *client.Client implements it.
type ContainerInspector interface {
	ContainerInspect(ctx context.Context, container string) (types.ContainerJSON, error)
}

// NewDockerClient connects to the daemon configured by the DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}

// DockerOption configures a DockerStarter.
type DockerOption func(*DockerStarter)

// WithFallback starts resources that are not containers.
func WithFallback(s engine.Starter) DockerOption {
	return func(d *DockerStarter) { d.fallback = s }
}

// WithDockerTelemetry sets the logger.
func WithDockerTelemetry(tel *telemetry.Telemetry) DockerOption {
	return func(d *DockerStarter) { d.logger = tel.Logger.NewComponentLogger("docker") }
}

// DockerStarter allocates endpoints of container resources from the published
// ports of their running containers and seeds their health from the container
// health check.
type DockerStarter struct {
	docker     ContainerInspector
	containers map[string]string
	fallback   engine.Starter
	logger     *telemetry.Logger
}

// NewDockerStarter creates a starter. containers maps resource names to
// container names or IDs. Resources not in the map go to the fallback.
func NewDockerStarter(docker ContainerInspector, containers map[string]string, opts ...DockerOption) *DockerStarter {
	d := &DockerStarter{
		docker:     docker,
		containers: containers,
		logger:     telemetry.NewNopTelemetry().Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start implements engine.Starter.
func (d *DockerStarter) Start(ctx context.Context, g *engine.Graph, res *engine.Resource) error {
	name, ok := d.containers[res.Name()]
	if !ok {
		if d.fallback != nil {
			return d.fallback.Start(ctx, g, res)
		}
		return nil
	}

	info, err := d.docker.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return engine.NewPermanentError(fmt.Sprintf("container %s not found", name), err).
				WithCode(engine.ErrCodeNotFound).WithResource(res.Name())
		}
		return engine.NewTransientError(fmt.Sprintf("failed to inspect container %s", name), err).
			WithCode(engine.ErrCodeStartFailed).WithResource(res.Name())
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return engine.NewTransientError(fmt.Sprintf("container %s is not running", name), nil).
			WithCode(engine.ErrCodeStartFailed).WithResource(res.Name())
	}

	var ports nat.PortMap
	if info.NetworkSettings != nil {
		ports = info.NetworkSettings.Ports
	}
	for _, ep := range res.Endpoints() {
		if _, ok := ep.Allocation(); ok {
			continue
		}
		alloc, ok := PublishedAllocation(ports, ep.TargetPort())
		if !ok {
			return engine.NewPermanentError(
				fmt.Sprintf("container %s does not publish port %d for endpoint %s", name, ep.TargetPort(), ep.Name()), nil).
				WithCode(engine.ErrCodeStartFailed).WithResource(res.Name())
		}
		if err := g.Allocate(ep, alloc); err != nil {
			return err
		}
		d.logger.WithResource(res.Name()).Debugf("Allocated %s from container %s: %s:%d", ep.Name(), name, alloc.Host, alloc.Port)
	}

	if status := ContainerHealth(info.State); status != engine.HealthUnknown {
		if err := g.SetHealth(res.Name(), status); err != nil {
			return err
		}
	}
	return nil
}

// PublishedAllocation returns the host address a container port is published
// on. Wildcard host IPs map to DefaultHost.
func PublishedAllocation(ports nat.PortMap, targetPort int) (engine.Allocation, bool) {
	if targetPort <= 0 {
		return engine.Allocation{}, false
	}
	for _, proto := range []string{"tcp", "udp"} {
		port, err := nat.NewPort(proto, strconv.Itoa(targetPort))
		if err != nil {
			continue
		}
		for _, binding := range ports[port] {
			hostPort, err := strconv.Atoi(binding.HostPort)
			if err != nil || hostPort <= 0 {
				continue
			}
			host := binding.HostIP
			switch host {
			case "", "0.0.0.0", "::":
				host = DefaultHost
			}
			return engine.Allocation{Host: host, Port: hostPort}, true
		}
	}
	return engine.Allocation{}, false
}

// ContainerHealth maps the container health check status. Containers without
// a health check, or still starting, are unknown.
func ContainerHealth(state *types.ContainerState) engine.HealthStatus {
	if state == nil {
		return engine.HealthUnknown
	}
	if !state.Running {
		return engine.HealthUnhealthy
	}
	if state.Health == nil {
		return engine.HealthUnknown
	}
	switch state.Health.Status {
	case "healthy":
		return engine.HealthHealthy
	case "unhealthy":
		return engine.HealthUnhealthy
	default:
		return engine.HealthUnknown
	}
}
