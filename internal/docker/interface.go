package docker

import (
	"context"
	"time"
)

// API defines the subset of Docker operations used by Warden.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	ListContainers(ctx context.Context, all bool) ([]Observation, error)
	Inspect(ctx context.Context, idOrName string) (Observation, error)
	Restart(ctx context.Context, idOrName string, timeoutSec int) error
	ProbeHTTP(ctx context.Context, containerIP, endpoint string, expectedStatus int, timeout time.Duration) error
	ProbeTCP(ctx context.Context, host string, port int, timeout time.Duration) error
	ProbeExec(ctx context.Context, containerID string, argv []string, timeout time.Duration) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
