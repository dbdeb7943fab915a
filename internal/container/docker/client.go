// Package docker wraps the Docker SDK to provide the sandbox container runtime.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/gradion-ai/ipybox/internal/common/config"
	"github.com/gradion-ai/ipybox/internal/common/logger"
)

const (
	// executorPort is the in-container port of the code execution service.
	executorPort = "8080/tcp"
	// resourcePort is the in-container port of the resource service.
	resourcePort = "8081/tcp"

	// LabelManaged marks containers owned by this server.
	LabelManaged = "ipybox.managed"
	// LabelContainerID carries the registry id assigned at creation.
	LabelContainerID = "ipybox.container_id"
)

// SandboxConfig holds configuration for starting a sandbox container.
type SandboxConfig struct {
	ID               string            // registry id, recorded as a label
	Tag              string            // image tag
	Binds            map[string]string // host path -> container path
	Env              map[string]string
	ExecutorPort     int // requested host port, 0 for ephemeral
	ResourcePort     int // requested host port, 0 for ephemeral
	ShowPullProgress bool
}

// Sandbox describes a started sandbox container.
type Sandbox struct {
	ContainerID  string // Docker container id
	ExecutorPort int    // host port mapped to the executor service
	ResourcePort int    // host port mapped to the resource service
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is available.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// StartSandbox creates and starts a sandbox container, publishing the
// executor and resource service ports to the host. The image is pulled when
// missing locally.
func (c *Client) StartSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error) {
	c.logger.Info("Starting sandbox container",
		zap.String("container_id", cfg.ID),
		zap.String("image", cfg.Tag),
	)

	dockerID, err := c.createSandbox(ctx, cfg)
	if client.IsErrNotFound(err) {
		if err = c.pullImage(ctx, cfg.Tag, cfg.ShowPullProgress); err != nil {
			return nil, err
		}
		dockerID, err = c.createSandbox(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, dockerID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, dockerID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start sandbox container %s: %w", dockerID, err)
	}

	execPort, resPort, err := c.hostPorts(ctx, dockerID)
	if err != nil {
		_ = c.cli.ContainerRemove(ctx, dockerID, container.RemoveOptions{Force: true})
		return nil, err
	}

	c.logger.Info("Sandbox container started",
		zap.String("container_id", cfg.ID),
		zap.String("docker_id", dockerID),
		zap.Int("executor_port", execPort),
		zap.Int("resource_port", resPort),
	)

	return &Sandbox{
		ContainerID:  dockerID,
		ExecutorPort: execPort,
		ResourcePort: resPort,
	}, nil
}

func (c *Client) createSandbox(ctx context.Context, cfg SandboxConfig) (string, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(cfg.Binds))
	for source, target := range cfg.Binds {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: source,
			Target: target,
		})
	}

	labels := map[string]string{
		LabelManaged:     "true",
		LabelContainerID: cfg.ID,
	}

	containerCfg := &container.Config{
		Image:  cfg.Tag,
		Env:    env,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			executorPort: struct{}{},
			resourcePort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			executorPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPortSpec(cfg.ExecutorPort)}},
			resourcePort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPortSpec(cfg.ResourcePort)}},
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func hostPortSpec(port int) string {
	if port <= 0 {
		return "" // ephemeral
	}
	return strconv.Itoa(port)
}

// hostPorts inspects a started container and resolves the host ports assigned
// to the executor and resource services.
func (c *Client) hostPorts(ctx context.Context, dockerID string) (int, int, error) {
	inspect, err := c.cli.ContainerInspect(ctx, dockerID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to inspect sandbox container %s: %w", dockerID, err)
	}
	if inspect.NetworkSettings == nil {
		return 0, 0, fmt.Errorf("no network settings for sandbox container %s", dockerID)
	}

	execPort, err := boundHostPort(inspect.NetworkSettings.Ports, executorPort)
	if err != nil {
		return 0, 0, err
	}
	resPort, err := boundHostPort(inspect.NetworkSettings.Ports, resourcePort)
	if err != nil {
		return 0, 0, err
	}
	return execPort, resPort, nil
}

func boundHostPort(ports nat.PortMap, port nat.Port) (int, error) {
	bindings := ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("port %s is not published", port)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("invalid host port %q for %s: %w", bindings[0].HostPort, port, err)
	}
	return hostPort, nil
}

// pullImage pulls the sandbox image, optionally logging pull progress.
func (c *Client) pullImage(ctx context.Context, tag string, showProgress bool) error {
	c.logger.Info("Pulling image", zap.String("image", tag))

	reader, err := c.cli.ImagePull(ctx, tag, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", tag, err)
	}
	defer reader.Close()

	if showProgress {
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			c.logger.Info("Pull progress", zap.String("image", tag), zap.String("status", scanner.Text()))
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("error reading image pull output: %w", err)
		}
	} else if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("Image pulled successfully", zap.String("image", tag))
	return nil
}

// KillSandbox force-removes a sandbox container and its volumes.
func (c *Client) KillSandbox(ctx context.Context, dockerID string) error {
	c.logger.Info("Removing sandbox container", zap.String("docker_id", dockerID))

	err := c.cli.ContainerRemove(ctx, dockerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove sandbox container %s: %w", dockerID, err)
	}
	return nil
}

// InitFirewall runs the firewall init script inside a sandbox container,
// restricting outbound traffic to the given domains.
func (c *Client) InitFirewall(ctx context.Context, dockerID string, allowedDomains []string) error {
	c.logger.Info("Initializing firewall",
		zap.String("docker_id", dockerID),
		zap.Strings("allowed_domains", allowedDomains),
	)

	cmd := append([]string{"init-firewall"}, allowedDomains...)
	exec, err := c.cli.ContainerExecCreate(ctx, dockerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		Privileged:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to create firewall exec: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to start firewall exec: %w", err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return fmt.Errorf("error reading firewall exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect firewall exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("firewall init failed with exit code %d: %s", inspect.ExitCode, string(output))
	}

	c.logger.Info("Firewall initialized", zap.String("docker_id", dockerID))
	return nil
}
