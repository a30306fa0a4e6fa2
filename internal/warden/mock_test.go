package warden

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// mockClock is a manually advanced clock. After fires immediately with
// the target time so loops under test never sleep for real.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(start time.Time) *mockClock {
	return &mockClock{now: start}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *mockClock) Until(t time.Time) time.Duration { return t.Sub(c.Now()) }

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	fired := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// holdClock is a mockClock variant whose After channels stay pending
// until the test fires them, so deferred waits can be observed from
// the outside.
type holdClock struct {
	mu   sync.Mutex
	now  time.Time
	held []chan time.Time
}

func newHoldClock(start time.Time) *holdClock {
	return &holdClock{now: start}
}

func (c *holdClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *holdClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *holdClock) Until(t time.Time) time.Duration { return t.Sub(c.Now()) }

func (c *holdClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.held = append(c.held, ch)
	c.mu.Unlock()
	return ch
}

// fire releases every pending After, waiting briefly for one to be
// registered first.
func (c *holdClock) fire(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.held) > 0 {
			for _, ch := range c.held {
				ch <- c.now
			}
			c.held = nil
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no pending After to fire")
		}
		time.Sleep(time.Millisecond)
	}
}

// mockAPI is a scriptable runtime adapter.
type mockAPI struct {
	mu         sync.Mutex
	containers []docker.Observation
	listErr    error
	restartErr error
	restarted  []string
	listCalls  int
	probeErr   error
}

func (m *mockAPI) ListContainers(ctx context.Context, all bool) ([]docker.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]docker.Observation{}, m.containers...), nil
}

func (m *mockAPI) Inspect(ctx context.Context, idOrName string) (docker.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obs := range m.containers {
		if obs.ID == idOrName || obs.Name == idOrName {
			return obs, nil
		}
	}
	return docker.Observation{}, docker.ErrNotFound
}

func (m *mockAPI) Restart(ctx context.Context, idOrName string, timeoutSec int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarted = append(m.restarted, idOrName)
	return m.restartErr
}

func (m *mockAPI) ProbeHTTP(ctx context.Context, ip, endpoint string, status int, timeout time.Duration) error {
	return m.probeErr
}

func (m *mockAPI) ProbeTCP(ctx context.Context, host string, port int, timeout time.Duration) error {
	return m.probeErr
}

func (m *mockAPI) ProbeExec(ctx context.Context, id string, argv []string, timeout time.Duration) error {
	return m.probeErr
}

func (m *mockAPI) Close() error { return nil }

func (m *mockAPI) restartCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.restarted...)
}

func (m *mockAPI) setContainers(obs ...docker.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers = obs
}

// mockNotifier records published events.
type mockNotifier struct {
	mu     sync.Mutex
	events []store.Event
}

func (n *mockNotifier) Publish(e store.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *mockNotifier) published() []store.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]store.Event{}, n.events...)
}

func testLogger() *logging.Logger {
	return logging.New(false, "ERROR")
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

// failOnFailureConfig is the S1-style policy used across tests.
func failOnFailureConfig(maxRestarts int) map[string]any {
	return map[string]any{
		"monitor": map[string]any{"interval_seconds": 1, "include_all": true},
		"restart": map[string]any{
			"mode":                "on-failure",
			"cooldown_seconds":    1,
			"max_restarts":        maxRestarts,
			"window_seconds":      60,
			"respect_manual_stop": true,
			"backoff":             map[string]any{"enabled": false},
		},
	}
}
