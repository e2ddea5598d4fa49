package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Client wraps the Docker SDK client used as the image build backend.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// ImageExists reports whether an image with the exact reference is already
// present locally. Used for content-addressed cache-hit detection before a
// rebuild is attempted.
func (c *Client) ImageExists(ctx context.Context, reference string) (bool, error) {
	if c == nil || c.inner == nil {
		return false, fmt.Errorf("docker client not initialized")
	}
	if reference == "" {
		return false, fmt.Errorf("image reference cannot be empty")
	}
	images, err := c.inner.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", reference)),
	})
	if err != nil {
		return false, fmt.Errorf("docker image list: %w", err)
	}
	return len(images) > 0, nil
}

// ImageDigest returns the content digest of a local image, or empty when the
// daemon has not recorded one.
func (c *Client) ImageDigest(ctx context.Context, reference string) (string, error) {
	if c == nil || c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	inspect, _, err := c.inner.ImageInspectWithRaw(ctx, reference)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("docker image inspect: %w", err)
	}
	if len(inspect.RepoDigests) > 0 {
		return inspect.RepoDigests[0], nil
	}
	return inspect.ID, nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
