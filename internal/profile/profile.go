package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the orchestrator daemon.
type Profile struct {
	// Mode can be "prod" or "dev".
	Mode string
	// Data is the directory holding the task graph database file.
	Data string
	// Driver is the database driver: sqlite or postgres.
	Driver string
	// DSN is the database source name.
	DSN string
	// MetricsAddr is the listen address for the Prometheus endpoint, empty disables it.
	MetricsAddr string
	// Version is the current binary version.
	Version string

	// MaxTasks caps the number of active (non-terminal) tasks in the graph.
	MaxTasks int
	// PollIntervalMs is the orchestrator assignment cycle interval.
	PollIntervalMs int
	// MaxAssignmentsPerCycle bounds the tasks considered per cycle.
	MaxAssignmentsPerCycle int
	// MinCapabilityScore is the matcher rejection threshold.
	MinCapabilityScore float64
	// MaxRetries is the default per-task retry ceiling for decomposed goals.
	MaxRetries int
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.MaxTasks = getEnvOrDefaultInt("TASKMESH_MAX_TASKS", 10000)
	p.PollIntervalMs = getEnvOrDefaultInt("TASKMESH_POLL_INTERVAL_MS", 5000)
	p.MaxAssignmentsPerCycle = getEnvOrDefaultInt("TASKMESH_MAX_ASSIGNMENTS_PER_CYCLE", 5)
	p.MinCapabilityScore = getEnvOrDefaultFloat("TASKMESH_MIN_CAPABILITY_SCORE", 0.1)
	p.MaxRetries = getEnvOrDefaultInt("TASKMESH_MAX_RETRIES", 3)
	if p.MetricsAddr == "" {
		p.MetricsAddr = getEnvOrDefault("TASKMESH_METRICS_ADDR", "")
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// defaultDataDir is where the graph database lives unless overridden.
const defaultDataDir = "/persistent/task-graph"

// Validate normalizes the profile and fills derived defaults.
// The data directory falls back to a per-run temp directory when the default
// location is absent, so the daemon stays usable on developer machines.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" {
		p.Mode = "dev"
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.Data == "" {
		p.Data = defaultDataDir
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		if p.Data != defaultDataDir {
			return err
		}
		tmpDir, mkErr := os.MkdirTemp("", "taskmesh-")
		if mkErr != nil {
			return errors.Wrap(mkErr, "unable to create fallback data folder")
		}
		dataDir = tmpDir
	}
	p.Data = dataDir

	if p.DSN == "" && p.Driver == "sqlite" {
		p.DSN = filepath.Join(p.Data, "task-graph.db")
	}
	if p.DSN == "" {
		return errors.New("dsn required")
	}

	if p.MaxTasks <= 0 {
		p.MaxTasks = 10000
	}
	if p.PollIntervalMs <= 0 {
		p.PollIntervalMs = 5000
	}
	if p.MaxAssignmentsPerCycle <= 0 {
		p.MaxAssignmentsPerCycle = 5
	}
	if p.MinCapabilityScore <= 0 {
		p.MinCapabilityScore = 0.1
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	return nil
}

func (p *Profile) String() string {
	return fmt.Sprintf("profile{mode=%s driver=%s data=%s}", p.Mode, p.Driver, p.Data)
}
