package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerInfo captures runtime details about a started container.
type ContainerInfo struct {
	ID       string
	IP       string
	HostPort int
}

// ContainerSummary names one container for reconciliation.
type ContainerSummary struct {
	ID   string
	Name string
}

// EnsureNetwork creates the named bridge network when absent and
// returns its id.
func (c *Client) EnsureNetwork(ctx context.Context, name string) (string, error) {
	existing, err := c.inner.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, n := range existing {
		if n.Name == name {
			return n.ID, nil
		}
	}
	created, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return created.ID, nil
}

// RemoveNetwork deletes a network; missing networks are a no-op.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.inner.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}

// RunContainer creates and starts a container attached to the given
// project network, publishing appPort on a daemon-chosen host port.
func (c *Client) RunContainer(ctx context.Context, name, image, networkName string, env []string, appPort int) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(appPort))
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("app port: %w", err)
	}

	config := &container.Config{
		Image:        image,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		// Empty HostPort lets the daemon assign one, which sidesteps
		// host port exhaustion bookkeeping.
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyAlways,
		},
	}
	var netCfg *network.NetworkingConfig
	if networkName != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName: {},
			},
		}
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{ID: created.ID}, fmt.Errorf("container start: %w", err)
	}

	info := ContainerInfo{ID: created.ID}
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err := c.inner.ContainerInspect(ctx, created.ID)
		if err != nil {
			return info, fmt.Errorf("container inspect: %w", err)
		}
		info.IP = networkIP(inspect, networkName)
		info.HostPort = hostPort(inspect, port)
		if info.HostPort != 0 && info.IP != "" {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return info, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	if info.HostPort == 0 {
		return info, fmt.Errorf("container %s exposed no host port", name)
	}
	return info, nil
}

func networkIP(inspect types.ContainerJSON, networkName string) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	if networkName != "" {
		if ep, ok := inspect.NetworkSettings.Networks[networkName]; ok && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	for _, ep := range inspect.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

func hostPort(inspect types.ContainerJSON, port nat.Port) int {
	if inspect.NetworkSettings == nil {
		return 0
	}
	for _, binding := range inspect.NetworkSettings.Ports[port] {
		if p, err := strconv.Atoi(binding.HostPort); err == nil && p > 0 {
			return p
		}
	}
	return 0
}

// ContainerRunning reports whether a container exists and is running.
func (c *Client) ContainerRunning(ctx context.Context, id string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// StopContainer stops a container with the provided grace period.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container; missing containers are a
// no-op.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RenameContainer renames a container.
func (c *Client) RenameContainer(ctx context.Context, id, name string) error {
	if err := c.inner.ContainerRename(ctx, id, name); err != nil {
		return fmt.Errorf("rename container: %w", err)
	}
	return nil
}

// ContainerLogsTail returns the last n log lines of a container with
// stdout/stderr demultiplexed.
func (c *Client) ContainerLogsTail(ctx context.Context, id string, n int) (string, error) {
	if n <= 0 {
		n = 100
	}
	reader, err := c.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("demux container logs: %w", err)
	}
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	return out, nil
}

// ExecShell starts an interactive shell inside the container and
// returns the attached bidirectional stream.
func (c *Client) ExecShell(ctx context.Context, id string) (types.HijackedResponse, error) {
	exec, err := c.inner.ContainerExecCreate(ctx, id, types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/sh"},
	})
	if err != nil {
		return types.HijackedResponse{}, fmt.Errorf("exec create: %w", err)
	}
	attach, err := c.inner.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return types.HijackedResponse{}, fmt.Errorf("exec attach: %w", err)
	}
	return attach, nil
}

// ListContainersByPrefix lists all containers (running or not) whose
// name starts with the prefix.
func (c *Client) ListContainersByPrefix(ctx context.Context, prefix string) ([]ContainerSummary, error) {
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	summaries := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		summaries = append(summaries, ContainerSummary{ID: ctr.ID, Name: name})
	}
	return summaries, nil
}

// ListNetworksByPrefix lists networks whose name starts with the
// prefix.
func (c *Client) ListNetworksByPrefix(ctx context.Context, prefix string) ([]string, error) {
	networks, err := c.inner.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	names := make([]string, 0, len(networks))
	for _, n := range networks {
		if strings.HasPrefix(n.Name, prefix) {
			names = append(names, n.Name)
		}
	}
	return names, nil
}
