// Package store is the single durable authority for Warden's policy
// configuration, restart history, quarantine set, event log and
// maintenance flag. All mutators persist to disk before returning; on
// a persistence failure the in-memory state is rolled back so memory
// and disk never diverge.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	configFile      = "config.json"
	historyFile     = "restart_counts.json"
	quarantineFile  = "quarantine.json"
	eventsFile      = "events.json"
	maintenanceFile = "maintenance.json"
)

// DefaultDataDir is tried first when no data dir is configured;
// falls back to ./data when it cannot be created.
const DefaultDataDir = "/data"

// Store holds all persisted state behind a single mutex. Readers take
// cheap copies via Snapshot and the per-concern getters; mutators
// persist before returning.
type Store struct {
	mu  sync.Mutex
	dir string

	cfg        Config
	history    map[string][]time.Time
	quarantine map[string]struct{}
	events     []Event
	maint      Maintenance
}

// Open loads (or initialises) the store in dir. An empty dir selects
// DefaultDataDir with a ./data fallback when that is not writable.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDataDir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			dir = "data"
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}

	s := &Store{
		dir:        dir,
		cfg:        DefaultConfig(),
		history:    make(map[string][]time.Time),
		quarantine: make(map[string]struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	// Make sure config.json exists so operators can see the effective
	// defaults on first run.
	if _, err := os.Stat(filepath.Join(dir, configFile)); os.IsNotExist(err) {
		if err := s.persistConfig(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dir returns the directory the store persists into.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) load() error {
	// Unmarshalling over the defaults keeps any field absent from an
	// older config.json at its default value.
	if err := s.loadFile(configFile, &s.cfg); err != nil {
		return err
	}
	raw := make(map[string][]string)
	if err := s.loadFile(historyFile, &raw); err != nil {
		return err
	}
	for id, stamps := range raw {
		parsed := make([]time.Time, 0, len(stamps))
		for _, stamp := range stamps {
			t, err := time.Parse(time.RFC3339, stamp)
			if err != nil {
				return fmt.Errorf("load %s: bad timestamp %q for %s: %w", historyFile, stamp, id, err)
			}
			parsed = append(parsed, t)
		}
		s.history[id] = parsed
	}
	var quarantined []string
	if err := s.loadFile(quarantineFile, &quarantined); err != nil {
		return err
	}
	for _, id := range quarantined {
		s.quarantine[id] = struct{}{}
	}
	if err := s.loadFile(eventsFile, &s.events); err != nil {
		return err
	}
	return s.loadFile(maintenanceFile, &s.maint)
}

func (s *Store) loadFile(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

// writeJSON atomically replaces path with the JSON encoding of v:
// write to a temp file in the same directory, fsync, rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) persistConfig() error {
	return writeJSON(filepath.Join(s.dir, configFile), s.cfg)
}

func (s *Store) persistHistory() error {
	raw := make(map[string][]string, len(s.history))
	for id, stamps := range s.history {
		encoded := make([]string, 0, len(stamps))
		for _, t := range stamps {
			encoded = append(encoded, t.UTC().Format(time.RFC3339))
		}
		raw[id] = encoded
	}
	return writeJSON(filepath.Join(s.dir, historyFile), raw)
}

func (s *Store) persistQuarantine() error {
	ids := make([]string, 0, len(s.quarantine))
	for id := range s.quarantine {
		ids = append(ids, id)
	}
	return writeJSON(filepath.Join(s.dir, quarantineFile), ids)
}

func (s *Store) persistEvents() error {
	events := s.events
	if events == nil {
		events = []Event{}
	}
	return writeJSON(filepath.Join(s.dir, eventsFile), events)
}

func (s *Store) persistMaintenance() error {
	return writeJSON(filepath.Join(s.dir, maintenanceFile), s.maint)
}
