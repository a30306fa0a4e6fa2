package warden

import (
	"path"
	"strings"

	"github.com/Will-Luck/Docker-Warden/internal/docker"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// Monitored reports whether a container is in the supervised set.
// Exclusion always dominates: an excluded stable id or a blacklist hit
// vetoes every eligibility path, including the opt-in label.
func Monitored(cfg store.Config, obs docker.Observation, stableID string) bool {
	name := strings.TrimPrefix(obs.Name, "/")

	for _, excluded := range cfg.Containers.Excluded {
		if excluded == stableID {
			return false
		}
	}
	if matchesName(cfg.Filters.BlacklistNames, name) || matchesLabels(cfg.Filters.BlacklistLabels, obs.Labels) {
		return false
	}

	for _, selected := range cfg.Containers.Selected {
		if selected == stableID {
			return true
		}
	}
	if cfg.Monitor.IncludeAll {
		return true
	}
	if obs.Labels[cfg.Monitor.LabelKey] == cfg.Monitor.LabelValue {
		return true
	}
	return matchesName(cfg.Filters.WhitelistNames, name) || matchesLabels(cfg.Filters.WhitelistLabels, obs.Labels)
}

// matchesName checks a container name against exact entries or glob
// patterns ("web-*").
func matchesName(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// matchesLabels checks entries of the form "key=value" (exact match)
// or "key" (presence).
func matchesLabels(entries []string, labels map[string]string) bool {
	for _, entry := range entries {
		key, value, hasValue := strings.Cut(entry, "=")
		got, present := labels[key]
		if !present {
			continue
		}
		if !hasValue || got == value {
			return true
		}
	}
	return false
}
