package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/hanaponodata/sentinel-core/internal/fingerprint"
	"github.com/hanaponodata/sentinel-core/internal/sentinelerr"
)

// DockerClient is the production Runtime Adapter, backed by the Moby
// client: a UNIX socket by default, or a tcp(s):// endpoint for a
// remote/proxy daemon.
type DockerClient struct {
	api *client.Client
}

var _ API = (*DockerClient)(nil)

// NewDockerClient connects to the daemon at endpoint.
func NewDockerClient(endpoint string) (*DockerClient, error) {
	var opts []client.Opt

	switch {
	case strings.HasPrefix(endpoint, "tcp://"), strings.HasPrefix(endpoint, "tcps://"):
		opts = append(opts, client.WithHost(endpoint))
	default:
		opts = append(opts,
			client.WithHost("unix://"+endpoint),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", endpoint, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to runtime endpoint %s: %w", endpoint, err)
	}
	return &DockerClient{api: api}, nil
}

func (c *DockerClient) Close() error { return c.api.Close() }

func (c *DockerClient) List(ctx context.Context) (ListResult, error) {
	resp, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return ListResult{}, sentinelerr.Wrap(sentinelerr.KindRuntimeUnavailable, "list containers", err)
	}

	result := ListResult{Containers: make([]Summary, 0, len(resp.Items))}
	for _, item := range resp.Items {
		s, diagErr := summaryFromContainer(item)
		if diagErr != nil {
			result.Diagnostics = append(result.Diagnostics, ListDiagnostic{ID: item.ID, Error: diagErr})
			continue
		}
		result.Containers = append(result.Containers, s)
	}
	return result, nil
}

func summaryFromContainer(c container.Summary) (Summary, error) {
	if len(c.Names) == 0 {
		return Summary{}, fmt.Errorf("container %s has no name", c.ID)
	}
	name := strings.TrimPrefix(c.Names[0], "/")
	return Summary{
		ID:        c.ID,
		Name:      name,
		ImageRef:  c.Image,
		Status:    mapStatus(c.State),
		CreatedAt: time.Unix(c.Created, 0).UTC(),
		Labels:    c.Labels,
	}, nil
}

func mapStatus(state string) Status {
	switch state {
	case "created":
		return StatusCreated
	case "running":
		return StatusRunning
	case "paused":
		return StatusPaused
	case "restarting":
		return StatusRestarting
	case "exited":
		return StatusExited
	case "removing":
		return StatusRemoving
	case "dead":
		return StatusDead
	default:
		return StatusUnknown
	}
}

func (c *DockerClient) Inspect(ctx context.Context, id string) (Detail, error) {
	resp, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return Detail{}, sentinelerr.Wrap(sentinelerr.KindNotFound, "container "+id, err)
		}
		return Detail{}, sentinelerr.Wrap(sentinelerr.KindRuntimeUnavailable, "inspect "+id, err)
	}
	inspect := resp.Container
	if inspect.Config == nil {
		return Detail{}, sentinelerr.New(sentinelerr.KindInternal, "inspect "+id+": nil config")
	}

	name := strings.TrimPrefix(inspect.Name, "/")
	var started time.Time
	if inspect.State != nil {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			started = t
		}
	}

	var createdAt time.Time
	if t, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		createdAt = t
	}

	ports := portMappings(inspect)
	mounts := mountStrings(inspect)
	networkMode := ""
	restartPolicy := ""
	if inspect.HostConfig != nil {
		networkMode = string(inspect.HostConfig.NetworkMode)
		restartPolicy = string(inspect.HostConfig.RestartPolicy.Name)
	}

	detail := Detail{
		Summary: Summary{
			ID:        inspect.ID,
			Name:      name,
			ImageRef:  inspect.Config.Image,
			Status:    mapStatus(stateString(inspect)),
			CreatedAt: createdAt,
			Labels:    inspect.Config.Labels,
		},
		StartedAt:     started,
		ImageDigest:   inspect.Image,
		Ports:         ports,
		Env:           inspect.Config.Env,
		Mounts:        mounts,
		AllLabels:     inspect.Config.Labels,
		Hostname:      inspect.Config.Hostname,
		NetworkMode:   networkMode,
		RestartPolicy: restartPolicy,
	}
	return detail, nil
}

func stateString(inspect container.InspectResponse) string {
	if inspect.State == nil {
		return "unknown"
	}
	switch {
	case inspect.State.Running && inspect.State.Paused:
		return "paused"
	case inspect.State.Running && inspect.State.Restarting:
		return "restarting"
	case inspect.State.Running:
		return "running"
	case inspect.State.Dead:
		return "dead"
	default:
		return "exited"
	}
}

func portMappings(inspect container.InspectResponse) []PortMapping {
	if inspect.NetworkSettings == nil {
		return nil
	}
	var out []PortMapping
	for portProto, bindings := range inspect.NetworkSettings.Ports {
		parts := strings.SplitN(string(portProto), "/", 2)
		cport, _ := strconv.Atoi(parts[0])
		proto := "tcp"
		if len(parts) == 2 {
			proto = parts[1]
		}
		if len(bindings) == 0 {
			out = append(out, PortMapping{ContainerPort: cport, Protocol: proto})
			continue
		}
		for _, b := range bindings {
			hostPort, _ := strconv.Atoi(b.HostPort)
			out = append(out, PortMapping{ContainerPort: cport, HostPort: hostPort, Protocol: proto})
		}
	}
	return out
}

func mountStrings(inspect container.InspectResponse) []string {
	var out []string
	for _, m := range inspect.Mounts {
		mode := "rw"
		if !m.RW {
			mode = "ro"
		}
		out = append(out, fmt.Sprintf("%s:%s:%s", m.Source, m.Destination, mode))
	}
	return out
}

// Fingerprint computes the env_fingerprint for a Detail the way the
// registry and update engine expect (internal/fingerprint).
func Fingerprint(d Detail) string {
	return fingerprint.Compute(fingerprint.Spec{
		ImageRef: d.ImageRef,
		Env:      d.Env,
		Mounts:   d.Mounts,
		Ports:    portStrings(d.Ports),
		Labels:   d.AllLabels,
	})
}

func portStrings(ports []PortMapping) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, fmt.Sprintf("%s/%d -> %d", p.Protocol, p.ContainerPort, p.HostPort))
	}
	return out
}

func (c *DockerClient) Pull(ctx context.Context, imageRef string) (string, error) {
	resp, err := c.api.ImagePull(ctx, imageRef, client.ImagePullOptions{})
	if err != nil {
		return "", classifyPullErr(err)
	}
	if err := resp.Wait(ctx); err != nil {
		return "", classifyPullErr(err)
	}

	inspectResp, err := c.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", sentinelerr.Wrap(sentinelerr.KindRegistryUnreachable, "inspect pulled image "+imageRef, err)
	}
	// The image ID is what Inspect reports as a container's ImageDigest, so
	// the two compare equal when no newer image was pulled.
	return inspectResp.ID, nil
}

func classifyPullErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication required") {
		return sentinelerr.Wrap(sentinelerr.KindAuthRequired, "pull image", err)
	}
	return sentinelerr.Wrap(sentinelerr.KindRegistryUnreachable, "pull image", err)
}

func (c *DockerClient) Stop(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return sentinelerr.Wrap(sentinelerr.KindRuntimeUnavailable, "stop "+id, err)
	}
	return nil
}

func (c *DockerClient) Start(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.KindRuntimeUnavailable, "start "+id, err)
	}
	return nil
}

func (c *DockerClient) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:    spec.ImageRef,
		Env:      spec.Env,
		Labels:   spec.Labels,
		Hostname: spec.Hostname,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)}
	}

	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       spec.Name,
		Config:     cfg,
		HostConfig: hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
	})
	if err != nil {
		return "", sentinelerr.Wrap(sentinelerr.KindInternal, "create container "+spec.Name, err)
	}
	return resp.ID, nil
}

func (c *DockerClient) Remove(ctx context.Context, id string, force bool) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return sentinelerr.Wrap(sentinelerr.KindRuntimeUnavailable, "remove "+id, err)
	}
	return nil
}

func (c *DockerClient) ImageRemove(ctx context.Context, digest string) error {
	_, err := c.api.ImageRemove(ctx, digest, client.ImageRemoveOptions{PruneChildren: true})
	// Best-effort: ignore "still referenced" and not-found errors.
	if err != nil && !client.IsErrNotFound(err) && !strings.Contains(err.Error(), "is using") {
		return sentinelerr.Wrap(sentinelerr.KindInternal, "remove image "+digest, err)
	}
	return nil
}
