package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the dynamic policy configuration persisted in config.json.
// It is re-read through Snapshot every supervisor tick, so control-plane
// updates take effect without a restart.
type Config struct {
	Monitor            MonitorConfig       `json:"monitor"`
	Containers         ContainersConfig    `json:"containers"`
	Restart            RestartConfig       `json:"restart"`
	Filters            FilterConfig        `json:"filters"`
	UI                 UIConfig            `json:"ui"`
	Alerts             AlertsConfig        `json:"alerts"`
	Observability      ObservabilityConfig `json:"observability"`
	CustomHealthChecks map[string]Probe    `json:"custom_health_checks"`
	Notifications      NotificationsConfig `json:"notifications"`
	MaintenanceWindows MaintenanceWindows  `json:"maintenance_windows"`
	UptimeKuma         UptimeKumaConfig    `json:"uptime_kuma"`
	UptimeKumaMappings []UptimeKumaMapping `json:"uptime_kuma_mappings"`
}

type MonitorConfig struct {
	IntervalSeconds int    `json:"interval_seconds"`
	LabelKey        string `json:"label_key"`
	LabelValue      string `json:"label_value"`
	IncludeAll      bool   `json:"include_all"`
}

type ContainersConfig struct {
	Selected []string `json:"selected"`
	Excluded []string `json:"excluded"`
	// RestartCounts mirrors lifetime totals per stable id. Kept for
	// export compatibility with older installations; the authoritative
	// windowed history lives in restart_counts.json.
	RestartCounts map[string]int `json:"restart_counts"`
}

type RestartConfig struct {
	Mode              string        `json:"mode"`
	CooldownSeconds   int           `json:"cooldown_seconds"`
	MaxRestarts       int           `json:"max_restarts"`
	WindowSeconds     int           `json:"window_seconds"`
	Backoff           BackoffConfig `json:"backoff"`
	RespectManualStop bool          `json:"respect_manual_stop"`
}

type BackoffConfig struct {
	Enabled        bool    `json:"enabled"`
	InitialSeconds int     `json:"initial_seconds"`
	Multiplier     float64 `json:"multiplier"`
}

// FilterConfig selects containers by name glob or label. Label entries
// are "key=value" for an exact match or "key" for presence.
type FilterConfig struct {
	WhitelistNames  []string `json:"whitelist_names"`
	BlacklistNames  []string `json:"blacklist_names"`
	WhitelistLabels []string `json:"whitelist_labels"`
	BlacklistLabels []string `json:"blacklist_labels"`
}

type UIConfig struct {
	MaxLogEntries int `json:"max_log_entries"`
}

type AlertsConfig struct {
	OnRestart      bool `json:"on_restart"`
	OnQuarantine   bool `json:"on_quarantine"`
	OnUnquarantine bool `json:"on_unquarantine"`
	OnAutoMonitor  bool `json:"on_auto_monitor"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPort    int    `json:"metrics_port"`
	TextfilePath   string `json:"textfile_path"`
}

// Probe is a custom health check bound to a stable id.
type Probe struct {
	Kind            string    `json:"kind"`
	IntervalSeconds int       `json:"interval_seconds"`
	TimeoutSeconds  int       `json:"timeout_seconds"`
	Retries         int       `json:"retries"`
	HTTP            ProbeHTTP `json:"http,omitempty"`
	TCP             ProbeTCP  `json:"tcp,omitempty"`
	Exec            ProbeExec `json:"exec,omitempty"`
}

type ProbeHTTP struct {
	Endpoint       string `json:"endpoint,omitempty"`
	ExpectedStatus int    `json:"expected_status,omitempty"`
}

type ProbeTCP struct {
	Port int `json:"port,omitempty"`
}

type ProbeExec struct {
	Argv []string `json:"argv,omitempty"`
}

type NotificationsConfig struct {
	Webhook  WebhookConfig  `json:"webhook"`
	Gotify   GotifyConfig   `json:"gotify"`
	Slack    SlackConfig    `json:"slack"`
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	MQTT     MQTTConfig     `json:"mqtt"`
}

type WebhookConfig struct {
	URL string `json:"url"`
}

type GotifyConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type MQTTConfig struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
}

// UptimeKumaConfig points at an Uptime Kuma instance whose Prometheus
// metrics endpoint supplies external up/down status for mapped
// containers. API-key auth uses an empty username with the key as
// password.
type UptimeKumaConfig struct {
	Enabled           bool   `json:"enabled"`
	ServerURL         string `json:"server_url"`
	Username          string `json:"username"`
	APIToken          string `json:"api_token"`
	AutoRestartOnDown bool   `json:"auto_restart_on_down"`
}

// UptimeKumaMapping binds a container stable id to a monitor by its
// friendly name, the only identifier the metrics endpoint exposes.
type UptimeKumaMapping struct {
	ContainerID         string `json:"container_id"`
	MonitorFriendlyName string `json:"monitor_friendly_name"`
}

// MaintenanceWindows schedules recurring maintenance via a cron
// expression. Empty schedule disables the scheduler.
type MaintenanceWindows struct {
	Schedule        string `json:"schedule"`
	DurationMinutes int    `json:"duration_minutes"`
}

const (
	ModeOnFailure = "on-failure"
	ModeHealth    = "health"
	ModeBoth      = "both"
)

const (
	ProbeKindHTTP = "http"
	ProbeKindTCP  = "tcp"
	ProbeKindExec = "exec"
	ProbeKindNone = "none"
)

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Monitor: MonitorConfig{
			IntervalSeconds: 30,
			LabelKey:        "autoheal",
			LabelValue:      "true",
		},
		Containers: ContainersConfig{
			Selected:      []string{},
			Excluded:      []string{},
			RestartCounts: map[string]int{},
		},
		Restart: RestartConfig{
			Mode:            ModeBoth,
			CooldownSeconds: 60,
			MaxRestarts:     3,
			WindowSeconds:   3600,
			Backoff: BackoffConfig{
				Enabled:        false,
				InitialSeconds: 10,
				Multiplier:     2,
			},
			RespectManualStop: true,
		},
		Filters: FilterConfig{
			WhitelistNames:  []string{},
			BlacklistNames:  []string{},
			WhitelistLabels: []string{},
			BlacklistLabels: []string{},
		},
		UI: UIConfig{MaxLogEntries: 50},
		Alerts: AlertsConfig{
			OnRestart:      true,
			OnQuarantine:   true,
			OnUnquarantine: true,
			OnAutoMonitor:  true,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
		},
		CustomHealthChecks: map[string]Probe{},
		MaintenanceWindows: MaintenanceWindows{DurationMinutes: 60},
		UptimeKuma:         UptimeKumaConfig{AutoRestartOnDown: true},
		UptimeKumaMappings: []UptimeKumaMapping{},
	}
}

// Validate checks the full configuration and returns all violations
// joined into one error.
func (c Config) Validate() error {
	var errs []error

	if c.Monitor.IntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("monitor.interval_seconds must be >= 1, got %d", c.Monitor.IntervalSeconds))
	}
	if c.Monitor.LabelKey == "" {
		errs = append(errs, errors.New("monitor.label_key must not be empty"))
	}

	r := c.Restart
	switch r.Mode {
	case ModeOnFailure, ModeHealth, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("restart.mode must be one of on-failure, health, both; got %q", r.Mode))
	}
	if r.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("restart.cooldown_seconds must be >= 0, got %d", r.CooldownSeconds))
	}
	if r.MaxRestarts < 1 {
		errs = append(errs, fmt.Errorf("restart.max_restarts must be >= 1, got %d", r.MaxRestarts))
	}
	if r.WindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("restart.window_seconds must be >= 1, got %d", r.WindowSeconds))
	}
	if r.Backoff.InitialSeconds < 1 {
		errs = append(errs, fmt.Errorf("restart.backoff.initial_seconds must be >= 1, got %d", r.Backoff.InitialSeconds))
	}
	if r.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("restart.backoff.multiplier must be >= 1, got %g", r.Backoff.Multiplier))
	}
	errs = append(errs, c.validateWindow()...)

	if c.UI.MaxLogEntries < 1 {
		errs = append(errs, fmt.Errorf("ui.max_log_entries must be >= 1, got %d", c.UI.MaxLogEntries))
	}

	for id, probe := range c.CustomHealthChecks {
		if err := probe.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("custom_health_checks[%s]: %w", id, err))
		}
	}

	if uk := c.UptimeKuma; uk.Enabled {
		if uk.ServerURL == "" {
			errs = append(errs, errors.New("uptime_kuma.server_url must be set when the integration is enabled"))
		}
		if uk.APIToken == "" {
			errs = append(errs, errors.New("uptime_kuma.api_token must be set when the integration is enabled"))
		}
	}
	for i, m := range c.UptimeKumaMappings {
		if m.ContainerID == "" || m.MonitorFriendlyName == "" {
			errs = append(errs, fmt.Errorf("uptime_kuma_mappings[%d]: container_id and monitor_friendly_name are both required", i))
		}
	}

	if mw := c.MaintenanceWindows; mw.Schedule != "" {
		if _, err := cron.ParseStandard(mw.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("maintenance_windows.schedule: %w", err))
		}
		if mw.DurationMinutes < 1 {
			errs = append(errs, fmt.Errorf("maintenance_windows.duration_minutes must be >= 1, got %d", mw.DurationMinutes))
		}
	}

	return errors.Join(errs...)
}

// validateWindow rejects configurations whose worst-case restart
// cadence cannot reach the quarantine quota before attempts age out of
// the window: the quota would then never fire and the container would
// restart forever.
func (c Config) validateWindow() []error {
	var errs []error
	r := c.Restart
	if r.MaxRestarts < 1 || r.WindowSeconds < 1 {
		return nil
	}

	gap := r.CooldownSeconds
	if c.Monitor.IntervalSeconds > gap {
		gap = c.Monitor.IntervalSeconds
	}
	if r.WindowSeconds < r.MaxRestarts*gap {
		errs = append(errs, fmt.Errorf(
			"restart.window_seconds (%d) must be >= max_restarts x max(cooldown, interval) (%d); restarts would age out before the quota is reached",
			r.WindowSeconds, r.MaxRestarts*gap))
	}

	if r.Backoff.Enabled && r.Backoff.Multiplier > 1 {
		sum := 0.0
		delay := float64(r.Backoff.InitialSeconds)
		for k := 0; k < r.MaxRestarts; k++ {
			sum += delay + float64(r.CooldownSeconds) + float64(c.Monitor.IntervalSeconds)
			delay *= r.Backoff.Multiplier
		}
		limit := float64(r.WindowSeconds) * 1.2
		if sum > limit {
			errs = append(errs, fmt.Errorf(
				"backoff schedule spans %.0fs for %d restarts but window is %ds; the quota can never be reached inside the window",
				sum, r.MaxRestarts, r.WindowSeconds))
		}
	}
	return errs
}

// Validate checks a single probe definition.
func (p Probe) Validate() error {
	var errs []error
	switch p.Kind {
	case ProbeKindHTTP:
		if p.HTTP.Endpoint == "" {
			errs = append(errs, errors.New("http probe requires an endpoint"))
		}
		if p.HTTP.ExpectedStatus < 100 || p.HTTP.ExpectedStatus > 599 {
			errs = append(errs, fmt.Errorf("http probe expected_status %d out of range", p.HTTP.ExpectedStatus))
		}
	case ProbeKindTCP:
		if p.TCP.Port < 1 || p.TCP.Port > 65535 {
			errs = append(errs, fmt.Errorf("tcp probe port %d out of range", p.TCP.Port))
		}
	case ProbeKindExec:
		if len(p.Exec.Argv) == 0 {
			errs = append(errs, errors.New("exec probe requires a command"))
		}
	case ProbeKindNone:
	default:
		errs = append(errs, fmt.Errorf("unknown probe kind %q", p.Kind))
	}
	if p.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("probe timeout_seconds must be >= 1, got %d", p.TimeoutSeconds))
	}
	if p.Retries < 1 {
		errs = append(errs, fmt.Errorf("probe retries must be >= 1, got %d", p.Retries))
	}
	return errors.Join(errs...)
}

// Snapshot returns a deep copy of the current configuration. Callers
// may read it without holding any lock.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.clone()
}

func (c Config) clone() Config {
	// Round-tripping through JSON is the simplest correct deep copy
	// for a structure this shape; config reads are not hot.
	data, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return c
	}
	return out
}

// UpdateConfig deep-merges a JSON patch into the current configuration,
// validates the result, persists it and returns the effective config.
// On any failure the stored configuration is unchanged.
func (s *Store) UpdateConfig(patch map[string]any) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentJSON, err := json.Marshal(s.cfg)
	if err != nil {
		return Config{}, fmt.Errorf("encode config: %w", err)
	}
	var current map[string]any
	if err := json.Unmarshal(currentJSON, &current); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	merged := deepMerge(current, patch)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("encode merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(mergedJSON, &next); err != nil {
		return Config{}, fmt.Errorf("invalid config patch: %w", err)
	}
	if err := next.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	prev := s.cfg
	s.cfg = next
	if err := s.persistConfig(); err != nil {
		s.cfg = prev
		return Config{}, err
	}
	return next.clone(), nil
}

// deepMerge overlays patch onto base. Nested objects merge key by key;
// everything else (including arrays) is replaced wholesale.
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if pm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(bm, pm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ExportConfig returns the full configuration as one JSON document.
func (s *Store) ExportConfig() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s.cfg, "", "  ")
}

// ImportConfig replaces the configuration from a JSON or YAML
// document. Fields absent from the document keep their defaults.
func (s *Store) ImportConfig(data []byte) error {
	next := DefaultConfig()
	if err := json.Unmarshal(data, &next); err != nil {
		// Not JSON; YAML is a superset of what exports look like and
		// is friendlier to hand-edit.
		var doc map[string]any
		if yerr := yaml.Unmarshal(data, &doc); yerr != nil {
			return fmt.Errorf("import config: not valid JSON (%v) or YAML (%v)", err, yerr)
		}
		converted, merr := json.Marshal(doc)
		if merr != nil {
			return fmt.Errorf("import config: %w", merr)
		}
		next = DefaultConfig()
		if err := json.Unmarshal(converted, &next); err != nil {
			return fmt.Errorf("import config: %w", err)
		}
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("import config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = next
	if err := s.persistConfig(); err != nil {
		s.cfg = prev
		return err
	}
	return nil
}

// AddSelected adds a stable id to the monitored selection. Returns
// true when the id was newly added.
func (s *Store) AddSelected(id string) (bool, error) {
	return s.mutateList(&s.cfg.Containers.Selected, id, true)
}

// RemoveSelected removes a stable id from the monitored selection.
func (s *Store) RemoveSelected(id string) (bool, error) {
	return s.mutateList(&s.cfg.Containers.Selected, id, false)
}

// AddExcluded adds a stable id to the exclusion list. Excluded always
// dominates any other eligibility path.
func (s *Store) AddExcluded(id string) (bool, error) {
	return s.mutateList(&s.cfg.Containers.Excluded, id, true)
}

// RemoveExcluded removes a stable id from the exclusion list.
func (s *Store) RemoveExcluded(id string) (bool, error) {
	return s.mutateList(&s.cfg.Containers.Excluded, id, false)
}

func (s *Store) mutateList(list *[]string, id string, add bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, existing := range *list {
		if existing == id {
			idx = i
			break
		}
	}
	if add {
		if idx >= 0 {
			return false, nil
		}
		prev := *list
		*list = append(append([]string{}, prev...), id)
		if err := s.persistConfig(); err != nil {
			*list = prev
			return false, err
		}
		return true, nil
	}
	if idx < 0 {
		return false, nil
	}
	prev := *list
	next := append([]string{}, prev[:idx]...)
	*list = append(next, prev[idx+1:]...)
	if err := s.persistConfig(); err != nil {
		*list = prev
		return false, err
	}
	return true, nil
}

// SetProbe installs or replaces the custom health check for id.
func (s *Store) SetProbe(id string, probe Probe) error {
	if err := probe.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.cfg.CustomHealthChecks[id]
	if s.cfg.CustomHealthChecks == nil {
		s.cfg.CustomHealthChecks = make(map[string]Probe)
	}
	s.cfg.CustomHealthChecks[id] = probe
	if err := s.persistConfig(); err != nil {
		if had {
			s.cfg.CustomHealthChecks[id] = prev
		} else {
			delete(s.cfg.CustomHealthChecks, id)
		}
		return err
	}
	return nil
}

// DeleteProbe removes the custom health check for id, if any.
func (s *Store) DeleteProbe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.cfg.CustomHealthChecks[id]
	if !had {
		return nil
	}
	delete(s.cfg.CustomHealthChecks, id)
	if err := s.persistConfig(); err != nil {
		s.cfg.CustomHealthChecks[id] = prev
		return err
	}
	return nil
}
