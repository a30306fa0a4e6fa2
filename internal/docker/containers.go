package docker

import (
	"bytes"
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/client"
)

// ListContainers returns observations for all containers. When all is
// false only running containers are included.
func (c *Client) ListContainers(ctx context.Context, all bool) ([]Observation, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	obs := make([]Observation, 0, len(result.Items))
	for _, item := range result.Items {
		obs = append(obs, summaryObservation(item))
	}
	return obs, nil
}

// Inspect returns a full observation for a container by id or name.
func (c *Client) Inspect(ctx context.Context, idOrName string) (Observation, error) {
	result, err := c.api.ContainerInspect(ctx, idOrName, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return Observation{}, fmt.Errorf("inspect %s: %w", idOrName, ErrNotFound)
		}
		return Observation{}, fmt.Errorf("inspect %s: %w", idOrName, err)
	}
	return inspectObservation(result.Container), nil
}

// Restart restarts a container with the given graceful-stop timeout.
func (c *Client) Restart(ctx context.Context, idOrName string, timeoutSec int) error {
	_, err := c.api.ContainerRestart(ctx, idOrName, client.ContainerRestartOptions{Timeout: &timeoutSec})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("restart %s: %w", idOrName, ErrNotFound)
		}
		return fmt.Errorf("restart %s: %w", idOrName, err)
	}
	return nil
}

// Exec runs a command inside a container and returns its exit code and
// combined output.
func (c *Client) Exec(ctx context.Context, id string, argv []string) (int, string, error) {
	execResp, err := c.api.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.api.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return -1, "", fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return -1, "", fmt.Errorf("exec read: %w", err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}

	inspectResp, err := c.api.ExecInspect(ctx, execResp.ID, client.ExecInspectOptions{})
	if err != nil {
		return -1, stdout.String(), fmt.Errorf("exec inspect: %w", err)
	}
	return inspectResp.ExitCode, stdout.String(), nil
}
