// Package docker resolves backup sources of the form
// "docker-volume://<name>" into the volume's mountpoint on the host
// filesystem, via read-only calls against the Docker daemon socket.
//
// Docker support is strictly optional: jobs that reference no volume
// sources never touch this package, and a job that does while the daemon
// is unreachable fails with ErrDockerUnavailable at snapshot time.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	dockerclient "github.com/docker/docker/client"
)

// SourceScheme prefixes job paths that name a Docker volume instead of a
// filesystem location.
const SourceScheme = "docker-volume://"

var (
	// ErrDockerUnavailable is returned when the Docker daemon cannot be
	// reached.
	ErrDockerUnavailable = errors.New("docker: daemon unavailable")
	// ErrVolumeNotFound is returned when a referenced volume does not exist.
	ErrVolumeNotFound = errors.New("docker: volume not found")
)

// ParseSource splits a docker-volume:// job path into the volume name.
// ok is false for ordinary filesystem paths.
func ParseSource(path string) (name string, ok bool) {
	if !strings.HasPrefix(path, SourceScheme) {
		return "", false
	}
	return strings.TrimPrefix(path, SourceScheme), true
}

// Client wraps the Docker SDK client. Create instances with NewClient.
type Client struct {
	docker *dockerclient.Client
}

// NewClient connects to the daemon socket at socketPath, or to the SDK
// default (DOCKER_HOST, /var/run/docker.sock) when socketPath is empty.
// Construction does not touch the daemon; call Ping to verify it answers.
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
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

// Resolve returns the host mountpoint of the named volume.
func (c *Client) Resolve(ctx context.Context, name string) (string, error) {
	v, err := c.docker.VolumeInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %q", ErrVolumeNotFound, name)
		}
		return "", fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	if v.Mountpoint == "" {
		return "", fmt.Errorf("docker: volume %q (driver %s) has no host mountpoint", name, v.Driver)
	}
	return v.Mountpoint, nil
}

// Close releases the underlying client resources.
func (c *Client) Close() error {
	return c.docker.Close()
}
