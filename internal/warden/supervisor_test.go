package warden

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Warden/internal/clock"
	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

func newTestSupervisor(t *testing.T, st *store.Store, api *mockAPI, clk clock.Clock, notify Notifier) *Supervisor {
	t.Helper()
	return NewSupervisor(SupervisorOptions{
		Store:       st,
		API:         api,
		Clock:       clk,
		Log:         testLogger(),
		Notify:      notify,
		StopTimeout: 10,
		Workers:     4,
	})
}

// A continuously failing container is restarted until the quota is
// reached, then quarantined, then left alone.
func TestTickFailingContainerQuarantines(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(failOnFailureConfig(2)); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	clk := newMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	api := &mockAPI{}
	api.setContainers(docker.Observation{ID: "aaa111", Name: "/C", State: "exited", ExitCode: 1})
	notify := &mockNotifier{}
	sup := newTestSupervisor(t, st, api, clk, notify)
	ctx := context.Background()

	sup.Tick(ctx)
	clk.Advance(time.Second)
	sup.Tick(ctx)
	if got := api.restartCalls(); len(got) != 2 {
		t.Fatalf("restart calls after 2 ticks = %d, want 2", len(got))
	}

	clk.Advance(time.Second)
	sup.Tick(ctx)
	if got := api.restartCalls(); len(got) != 2 {
		t.Errorf("restart calls after quarantine tick = %d, want still 2", len(got))
	}
	if !st.IsQuarantined("C") {
		t.Error("container not quarantined after exceeding quota")
	}

	clk.Advance(time.Second)
	sup.Tick(ctx)
	if got := api.restartCalls(); len(got) != 2 {
		t.Errorf("quarantined container restarted: %d calls", len(got))
	}

	kinds := map[string]int{}
	for _, e := range st.Events() {
		kinds[e.Kind]++
	}
	if kinds[store.KindRestart] != 2 || kinds[store.KindQuarantine] != 1 {
		t.Errorf("event kinds = %v, want 2 restarts and 1 quarantine", kinds)
	}
}

func TestTickAutoUnquarantineOnRecovery(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(failOnFailureConfig(2)); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if err := st.RecordRestart("C", now.Add(-30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordRestart("C", now.Add(-28*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := st.Quarantine("C"); err != nil {
		t.Fatal(err)
	}

	clk := newMockClock(now)
	api := &mockAPI{}
	api.setContainers(docker.Observation{ID: "bbb222", Name: "/C", State: "running", Health: "healthy"})
	sup := newTestSupervisor(t, st, api, clk, nil)

	sup.Tick(context.Background())

	if st.IsQuarantined("C") {
		t.Error("container still quarantined after recovery")
	}
	if got := st.RestartCount("C", time.Hour, now); got != 0 {
		t.Errorf("history after auto-unquarantine = %d, want 0", got)
	}
	events := st.Events()
	if len(events) != 1 || events[0].Kind != store.KindAutoUnquarantine {
		t.Errorf("events = %v, want one auto_unquarantine", events)
	}
}

func TestTickRespectsManualStop(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(map[string]any{
		"monitor": map[string]any{"include_all": true},
		"restart": map[string]any{"mode": "both", "respect_manual_stop": true},
	}); err != nil {
		t.Fatal(err)
	}
	clk := newMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	api := &mockAPI{}
	api.setContainers(docker.Observation{ID: "ccc333", Name: "/stopped", State: "exited", ExitCode: 0})
	sup := newTestSupervisor(t, st, api, clk, nil)

	sup.Tick(context.Background())

	if got := api.restartCalls(); len(got) != 0 {
		t.Errorf("cleanly stopped container restarted %d times", len(got))
	}
	if got := st.Events(); len(got) != 0 {
		t.Errorf("events for clean stop = %v, want none", got)
	}
}

func TestTickMaintenanceSkipsSweep(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(failOnFailureConfig(2)); err != nil {
		t.Fatal(err)
	}
	clk := newMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	if err := st.SetMaintenance(true, clk.Now()); err != nil {
		t.Fatal(err)
	}
	api := &mockAPI{}
	api.setContainers(docker.Observation{ID: "ddd444", Name: "/C", State: "exited", ExitCode: 1})
	sup := newTestSupervisor(t, st, api, clk, nil)

	sup.Tick(context.Background())

	if api.listCalls != 0 {
		t.Error("sweep listed containers during maintenance")
	}
	if got := api.restartCalls(); len(got) != 0 {
		t.Errorf("restarts during maintenance = %d", len(got))
	}
}

// A failed restart call still consumes quota and produces a failure
// event, so a half-broken runtime cannot cause a tight restart loop.
func TestTickFailedRestartStillCounts(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(failOnFailureConfig(1)); err != nil {
		t.Fatal(err)
	}
	clk := newMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	api := &mockAPI{restartErr: errors.New("runtime wedged")}
	api.setContainers(docker.Observation{ID: "eee555", Name: "/C", State: "exited", ExitCode: 1})
	sup := newTestSupervisor(t, st, api, clk, nil)
	ctx := context.Background()

	sup.Tick(ctx)
	events := st.Events()
	if len(events) != 1 || events[0].Status != store.StatusFailure {
		t.Fatalf("events = %v, want one failure restart event", events)
	}
	if got := st.RestartCount("C", time.Minute, clk.Now()); got != 1 {
		t.Errorf("failed attempt not counted: %d", got)
	}

	clk.Advance(time.Second)
	sup.Tick(ctx)
	if !st.IsQuarantined("C") {
		t.Error("quota not reached after failed attempts")
	}
}

func TestTickNotificationsGatedByAlertConfig(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(failOnFailureConfig(2)); err != nil {
		t.Fatal(err)
	}
	clk := newMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	api := &mockAPI{}
	api.setContainers(docker.Observation{ID: "fff666", Name: "/C", State: "exited", ExitCode: 1})
	notify := &mockNotifier{}
	sup := newTestSupervisor(t, st, api, clk, notify)
	ctx := context.Background()

	sup.Tick(ctx)
	if got := notify.published(); len(got) != 1 || got[0].Kind != store.KindRestart {
		t.Errorf("published = %v, want one restart notification", got)
	}

	if _, err := st.UpdateConfig(map[string]any{"alerts": map[string]any{"on_restart": false}}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	sup.Tick(ctx)
	if got := notify.published(); len(got) != 1 {
		t.Errorf("published after disabling alerts = %d, want still 1", len(got))
	}
}

// With an event stream that never yields, the enroller sits on its own
// goroutine and tick scheduling proceeds unimpeded.
func TestTicksNotBlockedByStalledEventStream(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(failOnFailureConfig(2)); err != nil {
		t.Fatal(err)
	}
	clk := newMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	api := &mockAPI{}
	sup := newTestSupervisor(t, st, api, clk, nil)
	enroller := NewEnroller(st, api, clk, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stalled := make(chan docker.StartEvent)
	go enroller.Run(ctx, stalled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The mock clock fires After immediately, so Run ticks as fast
		// as the loop allows.
		sup.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		api.mu.Lock()
		ticks := api.listCalls
		api.mu.Unlock()
		if ticks >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("supervisor ticks stalled behind the event stream")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestTickBackoffDefersRestart(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(map[string]any{
		"monitor": map[string]any{"interval_seconds": 5, "include_all": true},
		"restart": map[string]any{
			"mode":             "on-failure",
			"cooldown_seconds": 10,
			"max_restarts":     5,
			"window_seconds":   600,
			"backoff":          map[string]any{"enabled": true, "initial_seconds": 10, "multiplier": 2},
		},
	}); err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := newMockClock(start)
	api := &mockAPI{}
	api.setContainers(docker.Observation{ID: "ggg777", Name: "/C", State: "exited", ExitCode: 1})
	sup := newTestSupervisor(t, st, api, clk, nil)

	sup.Tick(context.Background())

	// The restart happens off the tick goroutine once the backoff wait
	// fires, so wait for it.
	waitForRestarts(t, api, 1)
	// The attempt is recorded at its scheduled time, 10s after the
	// decision.
	last, ok := st.LastRestart("C")
	if !ok || !last.Equal(start.Add(10*time.Second)) {
		t.Errorf("recorded attempt at %v, want %v", last, start.Add(10*time.Second))
	}
	// The mock clock advanced through the backoff wait.
	if clk.Now().Before(start.Add(10 * time.Second)) {
		t.Errorf("clock at %v, backoff wait skipped", clk.Now())
	}
}

func waitForRestarts(t *testing.T, api *mockAPI, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(api.restartCalls()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("restart calls = %d, want %d", len(api.restartCalls()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

type stubKuma struct {
	down map[string]bool
}

func (k stubKuma) Down(id string) bool { return k.down[id] }

// A container that looks healthy to Docker but whose mapped external
// monitor reports it down is restarted through the normal policy path.
func TestTickExternalMonitorDownTriggersRestart(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(map[string]any{
		"monitor": map[string]any{"interval_seconds": 1, "include_all": true},
		"restart": map[string]any{
			"mode":             "health",
			"cooldown_seconds": 1,
			"max_restarts":     3,
			"window_seconds":   60,
			"backoff":          map[string]any{"enabled": false},
		},
	}); err != nil {
		t.Fatal(err)
	}
	clk := newMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	api := &mockAPI{}
	api.setContainers(
		docker.Observation{ID: "aaa111", Name: "/api", State: "running", Health: "healthy"},
		docker.Observation{ID: "bbb222", Name: "/web", State: "running", Health: "healthy"},
	)
	sup := NewSupervisor(SupervisorOptions{
		Store:       st,
		API:         api,
		Clock:       clk,
		Log:         testLogger(),
		Kuma:        stubKuma{down: map[string]bool{"api": true}},
		StopTimeout: 10,
		Workers:     4,
	})

	sup.Tick(context.Background())

	if got := api.restartCalls(); len(got) != 1 || got[0] != "aaa111" {
		t.Fatalf("restart calls = %v, want only the monitored-down container", got)
	}
	events := st.Events()
	if len(events) != 1 || events[0].Kind != store.KindRestart || events[0].StableID != "api" {
		t.Errorf("events = %v, want one restart for api", events)
	}
}

// A backoff-deferred restart must not hold up the sweep: the tick
// returns while the wait is pending, further ticks leave the container
// alone, and the restart lands once the wait fires.
func TestTickReturnsWhileRestartDeferred(t *testing.T) {
	st := testStore(t)
	if _, err := st.UpdateConfig(map[string]any{
		"monitor": map[string]any{"interval_seconds": 5, "include_all": true},
		"restart": map[string]any{
			"mode":             "on-failure",
			"cooldown_seconds": 10,
			"max_restarts":     5,
			"window_seconds":   600,
			"backoff":          map[string]any{"enabled": true, "initial_seconds": 10, "multiplier": 2},
		},
	}); err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := newHoldClock(start)
	api := &mockAPI{}
	api.setContainers(docker.Observation{ID: "hhh888", Name: "/C", State: "exited", ExitCode: 1})
	sup := newTestSupervisor(t, st, api, clk, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Tick(ctx)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return while a restart was deferred")
	}

	if got := api.restartCalls(); len(got) != 0 {
		t.Fatalf("restart fired before the backoff wait: %d calls", len(got))
	}
	last, ok := st.LastRestart("C")
	if !ok || !last.Equal(start.Add(10*time.Second)) {
		t.Errorf("recorded attempt at %v, want %v", last, start.Add(10*time.Second))
	}

	// A second sweep sees the action still in flight and leaves the
	// container alone.
	sup.Tick(ctx)
	if got := api.restartCalls(); len(got) != 0 {
		t.Errorf("second tick restarted a container with a pending action")
	}
	if got := st.RestartCount("C", 10*time.Minute, clk.Now()); got != 1 {
		t.Errorf("recorded attempts = %d, want 1", got)
	}

	clk.fire(t)
	waitForRestarts(t, api, 1)
}
