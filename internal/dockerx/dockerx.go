// Package dockerx wraps the container runtime collaborator named in
// spec.md §1: container inspection for status/metrics (C9) and
// in-container command execution for database dumps and restores
// (C5/C7). Extends the teacher's read-only volume-discovery client
// with exec and inspect support.
package dockerx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// ErrDockerUnavailable is returned when the Docker daemon cannot be
// reached.
var ErrDockerUnavailable = errors.New("dockerx: daemon unavailable")

// ContainerStatus is the per-container report returned by Status, per
// spec.md §4.9.
type ContainerStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Health    string `json:"health"`
	StartedAt string `json:"started_at"`
	Image     string `json:"image"`
	NotFound  bool   `json:"not_found"`
}

// Client wraps the Docker SDK client for status inspection and exec.
type Client struct {
	docker *dockerclient.Client
}

// NewClient connects to the Docker daemon at socketPath (empty string
// uses the SDK default).
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return &Client{docker: dc}, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Client) Close() error { return c.docker.Close() }

// Status inspects name and reports its status/health/image, per
// spec.md §4.9. A missing container reports NotFound without error.
func (c *Client) Status(ctx context.Context, name string) (ContainerStatus, error) {
	info, err := c.docker.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return ContainerStatus{Name: name, NotFound: true}, nil
		}
		return ContainerStatus{}, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}

	st := ContainerStatus{
		Name:  name,
		Image: info.Config.Image,
	}
	if info.State != nil {
		st.Status = info.State.Status
		st.StartedAt = info.State.StartedAt
		if info.State.Health != nil {
			st.Health = info.State.Health.Status
		}
	}
	return st, nil
}

// Exec runs argv inside container containerName and returns combined
// stdout+stderr. Used for table-count checks and other one-shot
// in-container commands that do not need streaming.
func (c *Client) Exec(ctx context.Context, containerName string, argv []string) (string, error) {
	resp, err := c.docker.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: exec create: %s", ErrDockerUnavailable, err)
	}

	att, err := c.docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: exec attach: %s", ErrDockerUnavailable, err)
	}
	defer att.Close()

	out, err := io.ReadAll(att.Reader)
	if err != nil {
		return "", fmt.Errorf("dockerx: read exec output: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return string(out), fmt.Errorf("dockerx: exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return string(out), fmt.Errorf("dockerx: exec %v exited %d: %s", argv, inspect.ExitCode, out)
	}
	return string(out), nil
}

// ExecStreamOut starts argv inside containerName and returns a reader
// over its stdout, for piping a database dump out of the container
// without buffering the whole output in memory. The returned closer
// must be closed once the caller has drained the reader.
func (c *Client) ExecStreamOut(ctx context.Context, containerName string, argv []string) (io.ReadCloser, error) {
	resp, err := c.docker.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exec create: %s", ErrDockerUnavailable, err)
	}
	att, err := c.docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %s", ErrDockerUnavailable, err)
	}
	return &execReadCloser{reader: bufio.NewReader(att.Reader), hijacked: att}, nil
}

type execReadCloser struct {
	reader   *bufio.Reader
	hijacked interface{ Close() }
}

func (e *execReadCloser) Read(p []byte) (int, error) { return e.reader.Read(p) }
func (e *execReadCloser) Close() error                { e.hijacked.Close(); return nil }

// ExecStreamIn starts argv inside containerName with its stdin attached
// and returns a writer to feed it, for streaming a restore dump in.
// The returned closer must be closed to signal EOF to the container
// process once writing is done.
func (c *Client) ExecStreamIn(ctx context.Context, containerName string, argv []string) (io.WriteCloser, error) {
	resp, err := c.docker.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:         argv,
		AttachStdin: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exec create: %s", ErrDockerUnavailable, err)
	}
	att, err := c.docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %s", ErrDockerUnavailable, err)
	}
	return att.Conn, nil
}
