// Package container wraps the Docker SDK for devcontainer discovery and
// lifecycle operations.
package container

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/samcloud/node-agent/internal/common/logger"
)

// Info holds a summary of one container.
type Info struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a new Docker client from the environment, negotiating
// the API version with the daemon.
func NewClient(log *logger.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker")),
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// ListByLabel lists running containers matching labelKey=labelValue.
func (c *Client) ListByLabel(ctx context.Context, labelKey, labelValue string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=%s", labelKey, labelValue))

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
		})
	}
	return infos, nil
}

// ListAll lists every container on the host, running or not.
func (c *Client) ListAll(ctx context.Context) ([]Info, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
		})
	}
	return infos, nil
}

// IsRunning reports whether the container exists and is in the running state.
func (c *Client) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// EffectiveUser returns the user the container's processes run as,
// falling back to "root" when unset.
func (c *Client) EffectiveUser(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if inspect.Config != nil && inspect.Config.User != "" {
		return inspect.Config.User, nil
	}
	return "root", nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	c.logger.Info("stopping container",
		zap.String("container_id", containerID),
		zap.Duration("timeout", timeout))

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	c.logger.Info("removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force))

	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// ServerVersion returns the daemon's version string, or "" when unavailable.
func (c *Client) ServerVersion(ctx context.Context) string {
	version, err := c.cli.ServerVersion(ctx)
	if err != nil {
		return ""
	}
	return version.Version
}
