package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// maxWorkers caps the supervisor fan-out regardless of CPU count so a
// large fleet cannot flood the Docker API.
const maxWorkers = 32

// Config holds Docker-Warden bootstrap configuration from environment
// variables. Everything policy-related lives in the state store and is
// editable at runtime; this covers only what the process needs before
// the store is open.
type Config struct {
	// Docker connection
	DockerSock string

	// Storage
	DataDir string

	// Startup
	StartPeriod int // seconds to wait before the first tick

	// Restart behaviour
	DefaultStopTimeout int // seconds passed to the Docker restart call

	// Concurrency
	WorkerLimit int // max parallel per-container workers

	// Logging (store observability config takes over after open)
	LogJSON  bool
	LogLevel string
}

// Load reads all bootstrap configuration from environment variables
// with defaults.
func Load() *Config {
	return &Config{
		DockerSock:         envStr("WARDEN_DOCKER_SOCK", "/var/run/docker.sock"),
		DataDir:            envStr("WARDEN_DATA_DIR", "/data"),
		StartPeriod:        envInt("WARDEN_START_PERIOD", 0),
		DefaultStopTimeout: envInt("WARDEN_DEFAULT_STOP_TIMEOUT", 10),
		WorkerLimit:        envInt("WARDEN_WORKER_LIMIT", defaultWorkers()),
		LogJSON:            envBool("WARDEN_LOG_JSON", false),
		LogLevel:           envStr("WARDEN_LOG_LEVEL", "INFO"),
	}
}

// PrintBanner outputs bootstrap configuration to stdout.
func (c *Config) PrintBanner() {
	fmt.Println("WARDEN_DOCKER_SOCK=" + c.DockerSock)
	fmt.Println("WARDEN_DATA_DIR=" + c.DataDir)
	fmt.Println("WARDEN_START_PERIOD=" + strconv.Itoa(c.StartPeriod))
	fmt.Println("WARDEN_DEFAULT_STOP_TIMEOUT=" + strconv.Itoa(c.DefaultStopTimeout))
	fmt.Println("WARDEN_WORKER_LIMIT=" + strconv.Itoa(c.WorkerLimit))
}

// Validate checks bootstrap configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.DockerSock == "" {
		errs = append(errs, errors.New("WARDEN_DOCKER_SOCK must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("WARDEN_DATA_DIR must not be empty"))
	}
	if c.StartPeriod < 0 {
		errs = append(errs, fmt.Errorf("WARDEN_START_PERIOD must be >= 0, got %d", c.StartPeriod))
	}
	if c.DefaultStopTimeout < 0 {
		errs = append(errs, fmt.Errorf("WARDEN_DEFAULT_STOP_TIMEOUT must be >= 0, got %d", c.DefaultStopTimeout))
	}
	if c.WorkerLimit < 1 || c.WorkerLimit > maxWorkers {
		errs = append(errs, fmt.Errorf("WARDEN_WORKER_LIMIT must be in 1..%d, got %d", maxWorkers, c.WorkerLimit))
	}
	return errors.Join(errs...)
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > maxWorkers {
		return maxWorkers
	}
	if n < 1 {
		return 1
	}
	return n
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
