// Package health turns a container observation, plus an optional
// custom probe, into a single verdict the decision engine can act on.
package health

import (
	"context"
	"time"

	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// Verdict classifies a container's condition.
type Verdict int

const (
	Unknown Verdict = iota
	Healthy
	Unhealthy
	Starting
	ExitedOk
	ExitedFail
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Starting:
		return "starting"
	case ExitedOk:
		return "exited-ok"
	case ExitedFail:
		return "exited-fail"
	default:
		return "unknown"
	}
}

// Prober is the probe surface of the runtime adapter.
type Prober interface {
	ProbeHTTP(ctx context.Context, containerIP, endpoint string, expectedStatus int, timeout time.Duration) error
	ProbeTCP(ctx context.Context, host string, port int, timeout time.Duration) error
	ProbeExec(ctx context.Context, containerID string, argv []string, timeout time.Duration) error
}

// Evaluator computes verdicts, running custom probes through the
// runtime adapter when one is configured.
type Evaluator struct {
	prober Prober
}

func NewEvaluator(prober Prober) *Evaluator {
	return &Evaluator{prober: prober}
}

// Evaluate returns the verdict for obs. probe may be nil. The probe
// runs only when the container is running and its native health status
// is not already conclusive.
func (e *Evaluator) Evaluate(ctx context.Context, obs docker.Observation, probe *store.Probe) Verdict {
	if obs.Exited() {
		if obs.ExitCode == 0 {
			return ExitedOk
		}
		return ExitedFail
	}
	if !obs.Running() {
		return Unknown
	}

	switch obs.Health {
	case "unhealthy":
		return Unhealthy
	case "starting":
		return Starting
	}

	// Native status is healthy or none; a custom probe gets the final
	// word for containers without a useful built-in healthcheck.
	if probe != nil && probe.Kind != "" && probe.Kind != store.ProbeKindNone {
		if err := e.runProbe(ctx, obs, *probe); err != nil {
			return Unhealthy
		}
	}
	return Healthy
}

// runProbe executes the probe with its retry budget; any single
// success passes.
func (e *Evaluator) runProbe(ctx context.Context, obs docker.Observation, probe store.Probe) error {
	timeout := time.Duration(probe.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attempts := probe.Retries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch probe.Kind {
		case store.ProbeKindHTTP:
			err = e.prober.ProbeHTTP(ctx, obs.IPAddress, probe.HTTP.Endpoint, probe.HTTP.ExpectedStatus, timeout)
		case store.ProbeKindTCP:
			err = e.prober.ProbeTCP(ctx, obs.IPAddress, probe.TCP.Port, timeout)
		case store.ProbeKindExec:
			err = e.prober.ProbeExec(ctx, obs.ID, probe.Exec.Argv, timeout)
		default:
			return nil
		}
		if err == nil {
			return nil
		}
	}
	return err
}
