package docker

import (
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
)

// Labels the adapter and identity layers care about.
const (
	LabelMonitoringID   = "monitoring.id"
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
)

// Observation is a read-only snapshot of a container as reported by the
// Docker daemon. Everything downstream of the adapter works on
// Observations and never touches the SDK types.
type Observation struct {
	ID             string
	ShortID        string
	Name           string
	Labels         map[string]string
	State          string // running, exited, dead, created, paused, restarting
	ExitCode       int
	Health         string // healthy, unhealthy, starting, none
	RestartCount   int
	ComposeProject string
	ComposeService string
	MonitoringID   string
	IPAddress      string // first network endpoint IP, for HTTP/TCP probes
	FinishedAt     time.Time
}

// Running reports whether the container is currently running.
func (o Observation) Running() bool { return o.State == "running" }

// Exited reports whether the container has stopped (exited or dead).
func (o Observation) Exited() bool { return o.State == "exited" || o.State == "dead" }

// summaryObservation builds a lightweight Observation from a list entry.
// Exit code, health and IP require an Inspect.
func summaryObservation(c container.Summary) Observation {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return Observation{
		ID:             c.ID,
		ShortID:        shortID(c.ID),
		Name:           name,
		Labels:         c.Labels,
		State:          string(c.State),
		ComposeProject: c.Labels[LabelComposeProject],
		ComposeService: c.Labels[LabelComposeService],
		MonitoringID:   c.Labels[LabelMonitoringID],
	}
}

// inspectObservation builds a full Observation from an inspect response.
func inspectObservation(info container.InspectResponse) Observation {
	obs := Observation{
		ID:           info.ID,
		ShortID:      shortID(info.ID),
		Name:         strings.TrimPrefix(info.Name, "/"),
		RestartCount: info.RestartCount,
		Health:       "none",
	}
	if info.Config != nil {
		obs.Labels = info.Config.Labels
		obs.ComposeProject = obs.Labels[LabelComposeProject]
		obs.ComposeService = obs.Labels[LabelComposeService]
		obs.MonitoringID = obs.Labels[LabelMonitoringID]
	}
	if state := info.State; state != nil {
		obs.State = string(state.Status)
		obs.ExitCode = state.ExitCode
		if state.Health != nil {
			obs.Health = string(state.Health.Status)
		}
		if t, err := time.Parse(time.RFC3339Nano, state.FinishedAt); err == nil {
			obs.FinishedAt = t
		}
	}
	if ns := info.NetworkSettings; ns != nil {
		for _, ep := range ns.Networks {
			if ep != nil && ep.IPAddress.IsValid() {
				obs.IPAddress = ep.IPAddress.String()
				break
			}
		}
	}
	return obs
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
