package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/shizukutanaka/orefleet/internal/config"
	"github.com/shizukutanaka/orefleet/internal/database"
	"github.com/shizukutanaka/orefleet/internal/endpoint"
	"github.com/shizukutanaka/orefleet/internal/fleet"
	"github.com/shizukutanaka/orefleet/internal/hardware"
	"github.com/shizukutanaka/orefleet/internal/identity"
	"github.com/shizukutanaka/orefleet/internal/logging"
	"github.com/shizukutanaka/orefleet/internal/orecli"
	"go.uber.org/zap"
)

// runtime is what every command needs: configuration and logging.
type runtime struct {
	manager *config.Manager
	config  *config.Config
	logs    *logging.LoggerFactory
	logger  *zap.Logger
}

func loadRuntime() (*runtime, error) {
	manager, err := config.NewManager(zap.NewNop(), cfgFile)
	if err != nil {
		return nil, err
	}
	cfg := manager.Get()
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logs, err := logging.NewLoggerFactory(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	manager.SetLogger(logs.Logger())

	return &runtime{
		manager: manager,
		config:  cfg,
		logs:    logs,
		logger:  logs.Logger(),
	}, nil
}

func (rt *runtime) close() {
	rt.logs.Sync()
}

// identities loads the configured keypairs. An empty set is a configuration
// error for every command.
func (rt *runtime) identities() ([]identity.Identity, error) {
	registry := identity.NewRegistry(rt.logs.GetLogger("identity"), rt.config.Identities.Extension)
	ids, err := registry.LoadPath(rt.config.Identities.Source())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return ids, nil
}

func (rt *runtime) endpoints() (*endpoint.Pool, error) {
	pool, err := endpoint.NewPool(rt.config.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return pool, nil
}

// client builds the miner CLI client. Claims go to claim.endpoint or, when
// unset, the first pool endpoint.
func (rt *runtime) client(pool *endpoint.Pool) *orecli.Client {
	claimEndpoint := rt.config.Claim.Endpoint
	if claimEndpoint == "" && pool != nil && pool.Len() > 0 {
		claimEndpoint = pool.First().String()
	}
	return orecli.NewClient(rt.logger, nil, orecli.Options{
		Binary:        rt.config.Miner.Binary,
		QueryEndpoint: rt.config.Ledger.QueryEndpoint,
		ClaimEndpoint: claimEndpoint,
		ClaimFee:      rt.config.Claim.PriorityFee,
	})
}

// store opens persistence, or returns nil when no DSN is configured.
func (rt *runtime) store() (*database.Store, func(), error) {
	if rt.config.Database.DSN == "" {
		return nil, func() {}, nil
	}
	if rt.config.Database.Driver != "postgres" && rt.config.Database.Driver != "postgresql" {
		if dir := filepath.Dir(rt.config.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := database.New(rt.logger, database.Config{
		Driver: rt.config.Database.Driver,
		DSN:    rt.config.Database.DSN,
	})
	if err != nil {
		return nil, nil, err
	}
	return database.NewStore(db), func() { db.Close() }, nil
}

func (rt *runtime) threads() int {
	if rt.config.Miner.Threads > 0 {
		return rt.config.Miner.Threads
	}
	return hardware.RecommendedThreads()
}

func pacingFrom(cfg *config.Config) fleet.Pacing {
	return fleet.Pacing{
		WaveSize:     cfg.Fleet.WaveSize,
		WaveDelay:    cfg.Fleet.WaveDelay,
		MinDelay:     cfg.Fleet.MinDelay,
		LaunchDelay:  cfg.Fleet.LaunchDelay,
		CPUThreshold: cfg.Fleet.CPUThreshold,
	}
}

var errAlreadyRunning = errors.New("another orefleet instance owns the data directory")

// instanceLock keeps two orchestrators from driving the same identities.
type instanceLock struct {
	lock    *flock.Flock
	pidFile string
}

func acquireInstanceLock(dataDir, pidFile string) (*instanceLock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, "orefleet.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", errAlreadyRunning, dataDir)
	}

	il := &instanceLock{lock: lock}
	if pidFile != "" {
		if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("failed to create PID file directory: %w", err)
		}
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("failed to write PID file: %w", err)
		}
		il.pidFile = pidFile
	}
	return il, nil
}

func (il *instanceLock) release() {
	if il.pidFile != "" {
		os.Remove(il.pidFile)
	}
	il.lock.Unlock()
}
