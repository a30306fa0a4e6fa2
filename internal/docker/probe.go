package docker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ProbeHTTP performs an HTTP GET against endpoint and reports whether
// the response status matches expectedStatus. localhost/127.0.0.1 in
// the endpoint are rewritten to the container's address, matching how
// users write probe endpoints from the container's own point of view.
func (c *Client) ProbeHTTP(ctx context.Context, containerIP, endpoint string, expectedStatus int, timeout time.Duration) error {
	if containerIP != "" {
		endpoint = strings.ReplaceAll(endpoint, "localhost", containerIP)
		endpoint = strings.ReplaceAll(endpoint, "127.0.0.1", containerIP)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("http probe: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http probe: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		return fmt.Errorf("http probe: status %d, want %d", resp.StatusCode, expectedStatus)
	}
	return nil
}

// ProbeTCP attempts a TCP connection to host:port within timeout.
func (c *Client) ProbeTCP(ctx context.Context, host string, port int, timeout time.Duration) error {
	if host == "" {
		return fmt.Errorf("tcp probe: no address for container")
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("tcp probe: %w", err)
	}
	conn.Close()
	return nil
}

// ProbeExec runs argv inside the container and succeeds when the
// command exits 0 within timeout.
func (c *Client) ProbeExec(ctx context.Context, containerID string, argv []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code, output, err := c.Exec(ctx, containerID, argv)
	if err != nil {
		return fmt.Errorf("exec probe: %w", err)
	}
	if code != 0 {
		out := strings.TrimSpace(output)
		if len(out) > 200 {
			out = out[:200] + "..."
		}
		return fmt.Errorf("exec probe: exit %d: %s", code, out)
	}
	return nil
}
