package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/shizukutanaka/orefleet/internal/logging"
)

// Validator enforces the rules a configuration must satisfy before anything
// is launched.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns an error wrapping ErrInvalidConfig on the first violation.
func (v *Validator) Validate(cfg *Config) error {
	checks := []struct {
		section string
		check   func() error
	}{
		{"miner", func() error { return v.validateMiner(&cfg.Miner) }},
		{"identities", func() error { return v.validateIdentities(&cfg.Identities) }},
		{"endpoints", func() error { return v.validateEndpoints(cfg.Endpoints) }},
		{"fleet", func() error { return v.validateFleet(&cfg.Fleet) }},
		{"ledger", func() error { return v.validateLedger(&cfg.Ledger) }},
		{"claim", func() error { return v.validateClaim(&cfg.Claim) }},
		{"logging", func() error { return v.validateLogging(&cfg.Logging) }},
		{"monitoring", func() error { return v.validateMonitoring(&cfg.Monitoring) }},
		{"database", func() error { return v.validateDatabase(&cfg.Database) }},
	}

	for _, c := range checks {
		if err := c.check(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.section, err)
		}
	}
	return nil
}

func (v *Validator) validateMiner(cfg *MinerConfig) error {
	if cfg.Binary == "" {
		return errors.New("binary is required")
	}
	if cfg.Threads < 0 {
		return errors.New("threads cannot be negative")
	}
	return nil
}

func (v *Validator) validateIdentities(cfg *IdentitiesConfig) error {
	if cfg.Source() == "" {
		return errors.New("dir or path is required")
	}
	return nil
}

func (v *Validator) validateEndpoints(endpoints []string) error {
	if len(endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	for _, raw := range endpoints {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid endpoint %q", raw)
		}
	}
	return nil
}

func (v *Validator) validateFleet(cfg *FleetConfig) error {
	switch {
	case cfg.Parallelism < 1:
		return errors.New("parallelism must be at least 1")
	case cfg.WaveSize < 1:
		return errors.New("wave_size must be at least 1")
	case cfg.WaveDelay < 0:
		return errors.New("wave_delay cannot be negative")
	case cfg.MinDelay < 0:
		return errors.New("min_delay cannot be negative")
	case cfg.MinDelay > cfg.WaveDelay:
		return errors.New("min_delay cannot exceed wave_delay")
	case cfg.LaunchDelay < 0:
		return errors.New("launch_delay cannot be negative")
	case cfg.CPUThreshold < 0 || cfg.CPUThreshold > 100:
		return errors.New("cpu_threshold must be between 0 and 100")
	case cfg.LoadSampling && cfg.SampleWindow <= 0:
		return errors.New("sample_window must be positive when load_sampling is enabled")
	case cfg.LoadSampling && cfg.SampleWindow > time.Second:
		return errors.New("sample_window must not exceed the 1s load check interval")
	}
	return nil
}

func (v *Validator) validateLedger(cfg *LedgerConfig) error {
	if cfg.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	return nil
}

func (v *Validator) validateClaim(cfg *ClaimConfig) error {
	if cfg.SuccessMarker == "" {
		return errors.New("success_marker is required")
	}
	if cfg.MaxAttemptsPerSecond < 0 {
		return errors.New("max_attempts_per_second cannot be negative")
	}
	return nil
}

func (v *Validator) validateLogging(cfg *logging.LogConfig) error {
	if !logging.ValidLevel(cfg.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Level)
	}
	for module, level := range cfg.ModuleLevels {
		if !logging.ValidLevel(level) {
			return fmt.Errorf("invalid log level for %s: %s", module, level)
		}
	}
	if cfg.Encoding != "json" && cfg.Encoding != "console" {
		return fmt.Errorf("unsupported encoding: %s", cfg.Encoding)
	}
	return nil
}

func (v *Validator) validateMonitoring(cfg *MonitoringConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	return nil
}

func (v *Validator) validateDatabase(cfg *DatabaseConfig) error {
	if cfg.DSN == "" {
		return nil
	}
	validDrivers := []string{"sqlite", "sqlite3", "postgres", "postgresql"}
	if !contains(validDrivers, strings.ToLower(cfg.Driver)) {
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	return nil
}

// validateListenAddress checks if a string is a valid network listen address.
func (v *Validator) validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}
	if _, port, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address format: %s", addr)
	} else if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port: %s", addr)
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
