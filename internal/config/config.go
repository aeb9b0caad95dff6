// Package config loads, validates and hot-reloads the fleet configuration.
package config

import (
	"errors"
	"time"

	"github.com/shizukutanaka/orefleet/internal/logging"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete configuration of a fleet.
type Config struct {
	Miner      MinerConfig       `yaml:"miner"`
	Identities IdentitiesConfig  `yaml:"identities"`
	Endpoints  []string          `yaml:"endpoints"`
	Fleet      FleetConfig       `yaml:"fleet"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Claim      ClaimConfig       `yaml:"claim"`
	Logging    logging.LogConfig `yaml:"logging"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
	Database   DatabaseConfig    `yaml:"database"`
	System     SystemConfig      `yaml:"system"`
}

// MinerConfig describes the external miner executable and its arguments.
type MinerConfig struct {
	Binary      string `yaml:"binary"`
	PriorityFee uint64 `yaml:"priority_fee"`
	// Threads per worker; zero picks the physical core count.
	Threads     int    `yaml:"threads"`
	ShowOutput  bool   `yaml:"show_output"`
	LogDir      string `yaml:"log_dir"`
}

// IdentitiesConfig selects credential files. Path wins over Dir.
type IdentitiesConfig struct {
	Dir       string `yaml:"dir"`
	Path      string `yaml:"path"`
	Extension string `yaml:"extension"`
}

// Source returns the path the registry should load.
func (c IdentitiesConfig) Source() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Dir
}

// FleetConfig controls launch pacing.
type FleetConfig struct {
	Parallelism     int           `yaml:"parallelism"`
	WaveSize        int           `yaml:"wave_size"`
	WaveDelay       time.Duration `yaml:"wave_delay"`
	MinDelay        time.Duration `yaml:"min_delay"`
	LaunchDelay     time.Duration `yaml:"launch_delay"`
	CPUThreshold    float64       `yaml:"cpu_threshold"`
	LoadSampling    bool          `yaml:"load_sampling"`
	SampleWindow    time.Duration `yaml:"sample_window"`
	TerminateOnExit bool          `yaml:"terminate_on_exit"`
}

// LedgerConfig controls balance polling.
type LedgerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	// QueryEndpoint is passed to balance queries; the miner's default when empty.
	QueryEndpoint string        `yaml:"query_endpoint"`
}

// ClaimConfig controls reward claiming.
type ClaimConfig struct {
	SuccessMarker        string  `yaml:"success_marker"`
	// MaxAttemptsPerSecond paces retries per identity; zero is unpaced.
	MaxAttemptsPerSecond float64 `yaml:"max_attempts_per_second"`
	PriorityFee          uint64  `yaml:"priority_fee"`
	// Endpoint defaults to the first configured endpoint.
	Endpoint             string  `yaml:"endpoint"`
}

// MonitoringConfig controls the metrics and status server.
type MonitoringConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig selects the persistence backend. An empty DSN disables it.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SystemConfig holds process-level paths.
type SystemConfig struct {
	DataDir string `yaml:"data_dir"`
	PIDFile string `yaml:"pid_file"`
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Miner: MinerConfig{
			Binary:      "ore",
			PriorityFee: 0,
			Threads:     0,
		},
		Identities: IdentitiesConfig{
			Dir:       "keys",
			Extension: ".json",
		},
		Endpoints: []string{"https://api.mainnet-beta.solana.com"},
		Fleet: FleetConfig{
			Parallelism:     1,
			WaveSize:        5,
			WaveDelay:       10 * time.Second,
			MinDelay:        3 * time.Second,
			LaunchDelay:     time.Second,
			CPUThreshold:    80,
			LoadSampling:    true,
			SampleWindow:    time.Second,
			TerminateOnExit: false,
		},
		Ledger: LedgerConfig{
			PollInterval: time.Minute,
		},
		Claim: ClaimConfig{
			SuccessMarker: "Transaction landed",
		},
		Logging: *logging.DefaultLogConfig(),
		Monitoring: MonitoringConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "data/orefleet.db",
		},
		System: SystemConfig{
			DataDir: "data",
			PIDFile: "data/orefleet.pid",
		},
	}
}
