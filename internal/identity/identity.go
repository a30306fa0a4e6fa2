// Package identity derives stable container identities that survive
// recreation. Restart history, quarantine flags and selection all key
// on the stable id rather than the Docker-assigned container id.
package identity

import (
	"strings"

	"github.com/Will-Luck/Docker-Warden/internal/docker"
)

// StableID derives the stable identity for a container observation.
// Precedence: explicit monitoring.id label, then compose
// project_service, then container name, then the short id.
func StableID(obs docker.Observation) string {
	if obs.MonitoringID != "" {
		return obs.MonitoringID
	}
	if obs.ComposeProject != "" && obs.ComposeService != "" {
		return obs.ComposeProject + "_" + obs.ComposeService
	}
	if name := strings.TrimPrefix(obs.Name, "/"); name != "" {
		return name
	}
	return obs.ShortID
}

// Resolve maps a user-supplied token (stable id, container name, or id
// prefix) to the stable id of a matching observation. Unknown tokens
// are returned unchanged so callers can still address state for
// containers that no longer exist.
func Resolve(token string, observations []docker.Observation) string {
	token = strings.TrimPrefix(token, "/")
	for _, obs := range observations {
		if StableID(obs) == token {
			return token
		}
	}
	for _, obs := range observations {
		if strings.TrimPrefix(obs.Name, "/") == token {
			return StableID(obs)
		}
	}
	for _, obs := range observations {
		if strings.HasPrefix(obs.ID, token) {
			return StableID(obs)
		}
	}
	return token
}
