package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shizukutanaka/orefleet/internal/claim"
	"github.com/shizukutanaka/orefleet/internal/config"
	"github.com/shizukutanaka/orefleet/internal/fleet"
	"github.com/shizukutanaka/orefleet/internal/hardware"
	"github.com/shizukutanaka/orefleet/internal/ledger"
	"github.com/shizukutanaka/orefleet/internal/monitoring"
	"github.com/shizukutanaka/orefleet/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the fleet and track rewards until interrupted",
	Long: `Launch parallelism workers per keypair in load-aware waves, then poll the
claimable balance of every keypair on a fixed interval until interrupted.

Workers are detached and keep mining after orefleet exits unless
fleet.terminate_on_exit is set. Pacing changes in the config file apply to a
launch sequence that is still in progress.

Examples:
  # Start with ./config.yaml
  orefleet start

  # Three workers per keypair, claim everything on Ctrl+C
  orefleet start --parallelism 3 --claim-on-exit`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	addStartFlags(startCmd)
}

func addStartFlags(cmd *cobra.Command) {
	cmd.Flags().Int("parallelism", 0, "Workers per identity (overrides fleet.parallelism)")
	cmd.Flags().Bool("claim-on-exit", false, "Claim all rewards after the session summary")
	cmd.Flags().Bool("terminate-on-exit", false, "Stop workers started by this run on exit")
}

// fleetStatus is served on /status.
type fleetStatus struct {
	Launches fleet.Summary          `json:"launches"`
	Planned  int                    `json:"planned"`
	Running  int                    `json:"running"`
	Balances []ledger.BalanceSample `json:"balances"`
	At       time.Time              `json:"at"`
}

func runStart(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := rt.config
	if n, _ := cmd.Flags().GetInt("parallelism"); n > 0 {
		cfg.Fleet.Parallelism = n
	}
	claimOnExit, _ := cmd.Flags().GetBool("claim-on-exit")
	if t, _ := cmd.Flags().GetBool("terminate-on-exit"); t {
		cfg.Fleet.TerminateOnExit = true
	}

	ids, err := rt.identities()
	if err != nil {
		return err
	}
	pool, err := rt.endpoints()
	if err != nil {
		return err
	}

	lock, err := acquireInstanceLock(cfg.System.DataDir, cfg.System.PIDFile)
	if err != nil {
		return err
	}
	defer lock.release()

	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := monitoring.NewMetrics("orefleet")
	client := rt.client(pool)
	reporter := newConsoleReporter(cmd.OutOrStdout())

	launcher := worker.NewProcessLauncher(rt.logs.GetLogger("worker"), client, worker.OutputConfig{
		Show:   cfg.Miner.ShowOutput,
		LogDir: cfg.Miner.LogDir,
	})
	workers := worker.NewTracker(rt.logs.GetLogger("worker"))

	opts := []fleet.Option{fleet.WithMetrics(metrics)}
	if cfg.Fleet.LoadSampling {
		opts = append(opts, fleet.WithLoadSampler(hardware.NewCPUSampler(rt.logs.GetLogger("hardware"), cfg.Fleet.SampleWindow)))
	}
	orchestrator, err := fleet.NewOrchestrator(rt.logger, launcher, pool, pacingFrom(cfg), opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	rt.manager.OnChange(func(next *config.Config) {
		if err := orchestrator.UpdatePacing(pacingFrom(next)); err != nil {
			rt.logger.Warn("Ignoring reloaded pacing", zap.Error(err))
		}
	})
	if err := rt.manager.StartWatcher(); err != nil {
		rt.logger.Warn("Config hot reload disabled", zap.Error(err))
	}
	defer rt.manager.StopWatcher()

	rewards := ledger.NewLedger(rt.logs.GetLogger("ledger"), client, metrics)
	var sessionStore ledger.Store
	if store != nil {
		sessionStore = store
	}
	session, err := ledger.NewTracker(rt.logs.GetLogger("ledger"), rewards, ids, cfg.Ledger.PollInterval, sessionStore, reporter)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	if cfg.Monitoring.Enabled {
		exporter := monitoring.NewExporter(rt.logger, monitoring.ExporterConfig{
			Enabled:    true,
			ListenAddr: cfg.Monitoring.ListenAddr,
		}, metrics, func() interface{} {
			summary, planned := orchestrator.Progress()
			return fleetStatus{
				Launches: summary,
				Planned:  planned,
				Running:  workers.Running(),
				Balances: rewards.Latest(),
				At:       time.Now(),
			}
		})
		if err := exporter.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			exporter.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan := fleet.Plan{
		Identities:  ids,
		Parallelism: cfg.Fleet.Parallelism,
		Fee:         cfg.Miner.PriorityFee,
		Threads:     rt.threads(),
	}
	rt.logger.Info("Starting fleet",
		zap.String("version", Version),
		zap.String("config", rt.manager.Path()),
		zap.String("host", hardware.Describe()),
		zap.Int("identities", len(ids)),
		zap.Int("threads", plan.Threads),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		summary, err := orchestrator.Run(ctx, plan, func(r fleet.Result) {
			if r.Handle != nil {
				workers.Add(r.Handle)
				metrics.SetWorkersRunning(workers.Running())
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("Fleet launch stopped", zap.Error(err))
		}
		reporter.Launches(summary)
	}()

	summary, err := session.Run(ctx)
	wg.Wait()
	// Restore default signal handling so a second interrupt kills us outright
	// unless a cancellable phase below installs its own.
	stop()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		rt.logger.Info("Interrupted before the session started")
	} else {
		reporter.Summary(summary)
	}

	if cfg.Fleet.TerminateOnExit {
		if err := workers.TerminateAll(); err != nil {
			rt.logger.Warn("Some workers did not terminate cleanly", zap.Error(err))
		}
	} else if n := workers.Running(); n > 0 {
		rt.logger.Info("Workers keep running after exit", zap.Int("workers", n))
	}

	if claimOnExit {
		claimCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var claimStore claim.Store
		if store != nil {
			claimStore = store
		}
		coordinator, err := newCoordinator(rt, rewards, client, metrics, claimStore)
		if err != nil {
			return err
		}
		outcomes, err := coordinator.ClaimAll(claimCtx, ids)
		reporter.Claims(outcomes)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	return nil
}
