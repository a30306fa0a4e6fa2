// Package kuma pulls monitor status from an Uptime Kuma instance and
// answers whether a container's mapped monitor currently reports it
// down. It scrapes the Prometheus metrics endpoint, the only Uptime
// Kuma surface that needs no session handshake.
package kuma

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/Will-Luck/Docker-Warden/internal/clock"
	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// Monitor status values as exported by Uptime Kuma.
const (
	StatusDown        = 0
	StatusUp          = 1
	StatusPending     = 2
	StatusMaintenance = 3
)

const statusMetric = "monitor_status"

// Settings supplies the current configuration, re-read each cycle so
// server and mapping changes apply without a restart.
type Settings interface {
	Snapshot() store.Config
}

// Monitor polls the configured Uptime Kuma instance and caches the
// latest status per mapped container stable id.
type Monitor struct {
	settings Settings
	clk      clock.Clock
	log      *logging.Logger
	client   *http.Client

	mu     sync.Mutex
	status map[string]int
}

func NewMonitor(settings Settings, clk clock.Clock, log *logging.Logger) *Monitor {
	return &Monitor{
		settings: settings,
		clk:      clk,
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		status:   make(map[string]int),
	}
}

// Run polls until ctx is cancelled. The poll cadence follows the
// monitor sweep interval, so external status is at most one sweep
// stale.
func (m *Monitor) Run(ctx context.Context) {
	for {
		cfg := m.settings.Snapshot()
		if cfg.UptimeKuma.Enabled && cfg.UptimeKuma.ServerURL != "" {
			m.refresh(ctx, cfg)
		} else {
			m.clear()
		}
		interval := time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(interval):
		}
	}
}

func (m *Monitor) refresh(ctx context.Context, cfg store.Config) {
	statuses, err := m.fetch(ctx, cfg.UptimeKuma)
	if err != nil {
		m.log.Warn("uptime kuma scrape failed", "server", cfg.UptimeKuma.ServerURL, "error", err)
		return
	}
	next := make(map[string]int, len(cfg.UptimeKumaMappings))
	for _, mapping := range cfg.UptimeKumaMappings {
		if st, ok := statuses[mapping.MonitorFriendlyName]; ok {
			next[mapping.ContainerID] = st
		}
	}
	m.mu.Lock()
	m.status = next
	m.mu.Unlock()
}

// fetch scrapes the metrics endpoint and returns status keyed by
// monitor friendly name, the only identifier the endpoint exposes.
func (m *Monitor) fetch(ctx context.Context, cfg store.UptimeKumaConfig) (map[string]int, error) {
	url := strings.TrimRight(cfg.ServerURL, "/") + "/metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	// API-key auth is basic auth with an empty username.
	req.SetBasicAuth(cfg.Username, cfg.APIToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}
	return parseStatuses(resp.Body)
}

// parseStatuses extracts monitor_status samples from Prometheus text
// exposition format.
func parseStatuses(r io.Reader) (map[string]int, error) {
	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	out := make(map[string]int)
	family, ok := families[statusMetric]
	if !ok {
		return out, nil
	}
	for _, metric := range family.GetMetric() {
		name := labelValue(metric, "monitor_name")
		if name == "" {
			continue
		}
		out[name] = int(sampleValue(metric))
	}
	return out, nil
}

func labelValue(m *dto.Metric, key string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == key {
			return lp.GetValue()
		}
	}
	return ""
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	}
	return 0
}

// Status returns the cached status for a stable id, if its monitor was
// seen on the last scrape.
func (m *Monitor) Status(stableID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[stableID]
	return st, ok
}

// Down reports whether the container's mapped monitor is down and the
// integration is configured to act on it.
func (m *Monitor) Down(stableID string) bool {
	uk := m.settings.Snapshot().UptimeKuma
	if !uk.Enabled || !uk.AutoRestartOnDown {
		return false
	}
	st, ok := m.Status(stableID)
	return ok && st == StatusDown
}

func (m *Monitor) clear() {
	m.mu.Lock()
	if len(m.status) > 0 {
		m.status = make(map[string]int)
	}
	m.mu.Unlock()
}
