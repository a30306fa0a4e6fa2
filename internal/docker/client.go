package docker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moby/moby/client"
)

// ErrNotFound is returned when a container id or name is unknown to the
// daemon, typically because it vanished between a list and an act.
var ErrNotFound = errors.New("container not found")

// Client wraps the Docker API client behind the adapter interface.
type Client struct {
	api  *client.Client
	http *http.Client
}

// NewClient creates a Docker client connected to the given socket or
// TCP endpoint.
func NewClient(dockerSock string) (*Client, error) {
	var opts []client.Opt

	switch {
	case strings.HasPrefix(dockerSock, "tcp://"):
		opts = append(opts, client.WithHost(dockerSock))
	default:
		opts = append(opts,
			client.WithHost("unix://"+dockerSock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerSock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		api:  api,
		http: &http.Client{},
	}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
