package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager handles the lifecycle of the application's configuration.
type Manager struct {
	logger     *zap.Logger
	configPath string

	config   *Config
	configMu sync.RWMutex
	// loadMu serializes loads, and with them the change callbacks.
	loadMu sync.Mutex

	validator *Validator
	envLoader *EnvLoader
	watcher   *ConfigWatcher

	onChangeCallbacks []func(*Config)
}

// NewManager creates a manager and performs the initial load. A missing file
// is not an error; defaults and environment overrides still apply.
func NewManager(logger *zap.Logger, configPath string) (*Manager, error) {
	m := &Manager{
		logger:     logger.Named("config"),
		configPath: configPath,
		validator:  NewValidator(),
		envLoader:  NewEnvLoader(EnvPrefix),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}

	return m, nil
}

// SetLogger replaces the logger used after the initial load, once logging
// itself has been configured.
func (m *Manager) SetLogger(logger *zap.Logger) {
	m.logger = logger.Named("config")
}

// Path returns the watched configuration file.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the file, applies environment overrides, validates and swaps in
// the result. On error the previous configuration stays in effect.
func (m *Manager) Load() error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	cfg := DefaultConfig()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		m.logger.Debug("Config file not found, using defaults", zap.String("path", m.configPath))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: failed to parse YAML config: %v", ErrInvalidConfig, err)
	}

	if err := m.envLoader.Load(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := m.validator.Validate(cfg); err != nil {
		return err
	}

	m.configMu.Lock()
	previous := m.config
	m.config = cfg
	m.configMu.Unlock()

	if previous == nil {
		m.logger.Info("Configuration loaded", zap.String("path", m.configPath))
		return nil
	}

	if sections := RestartRequired(previous, cfg); len(sections) > 0 {
		m.logger.Warn("Configuration changes take effect after restart",
			zap.Strings("sections", sections),
		)
	}
	m.logger.Info("Configuration reloaded", zap.String("path", m.configPath))
	m.notifyChange(cfg.clone())
	return nil
}

// Save writes the current configuration to the file.
func (m *Manager) Save() error {
	m.configMu.RLock()
	data, err := yaml.Marshal(m.config)
	m.configMu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	return writeAtomic(m.configPath, data)
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	return m.config.clone()
}

// OnChange registers a callback run after every successful reload.
func (m *Manager) OnChange(callback func(*Config)) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.onChangeCallbacks = append(m.onChangeCallbacks, callback)
}

// Callbacks run in registration order on the reloading goroutine. Load holds
// loadMu, so callbacks of two reloads never interleave.
func (m *Manager) notifyChange(newConfig *Config) {
	m.configMu.RLock()
	callbacks := append([]func(*Config){}, m.onChangeCallbacks...)
	m.configMu.RUnlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}
}

// StartWatcher starts hot-reloading the configuration file.
func (m *Manager) StartWatcher() error {
	var err error
	m.watcher, err = NewConfigWatcher(m.logger, m.configPath)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	return m.watcher.Start(func() {
		if err := m.Load(); err != nil {
			m.logger.Error("Failed to hot-reload configuration, keeping previous", zap.Error(err))
		}
	})
}

// StopWatcher stops the file watcher.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}

// RestartRequired names the sections of next that differ from prev and are
// not applied live. Only fleet pacing is applied to a running fleet.
func RestartRequired(prev, next *Config) []string {
	var sections []string
	add := func(name string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			sections = append(sections, name)
		}
	}

	add("miner", prev.Miner, next.Miner)
	add("identities", prev.Identities, next.Identities)
	add("endpoints", prev.Endpoints, next.Endpoints)
	add("ledger", prev.Ledger, next.Ledger)
	add("claim", prev.Claim, next.Claim)
	add("logging", prev.Logging, next.Logging)
	add("monitoring", prev.Monitoring, next.Monitoring)
	add("database", prev.Database, next.Database)
	add("system", prev.System, next.System)

	pf, nf := prev.Fleet, next.Fleet
	if pf.Parallelism != nf.Parallelism || pf.WaveSize != nf.WaveSize ||
		pf.LoadSampling != nf.LoadSampling || pf.SampleWindow != nf.SampleWindow ||
		pf.TerminateOnExit != nf.TerminateOnExit {
		sections = append(sections, "fleet")
	}
	return sections
}

func (c *Config) clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Endpoints = append([]string(nil), c.Endpoints...)
	if c.Logging.ModuleLevels != nil {
		cp.Logging.ModuleLevels = make(map[string]string, len(c.Logging.ModuleLevels))
		for k, v := range c.Logging.ModuleLevels {
			cp.Logging.ModuleLevels[k] = v
		}
	}
	return &cp
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary config file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}
	return nil
}
