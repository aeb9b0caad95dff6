package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shizukutanaka/orefleet/internal/claim"
	"github.com/shizukutanaka/orefleet/internal/config"
	"github.com/shizukutanaka/orefleet/internal/ledger"
	"github.com/shizukutanaka/orefleet/internal/monitoring"
	"github.com/spf13/cobra"
)

// claimCmd represents the claim command
var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the rewards of every identity",
	Long: `Claim the rewards of every identity, one identity at a time. Identities with
a zero balance are skipped. A claim is retried until the miner reports that
the transaction landed; interrupt to give up.`,
	RunE: runClaim,
}

func init() {
	rootCmd.AddCommand(claimCmd)
}

func newCoordinator(rt *runtime, balances claim.BalanceReader, claimer claim.Claimer, metrics *monitoring.Metrics, store claim.Store) (*claim.Coordinator, error) {
	coordinator, err := claim.NewCoordinator(rt.logs.GetLogger("claim"), balances, claimer, claim.Config{
		SuccessMarker:     rt.config.Claim.SuccessMarker,
		AttemptsPerSecond: rt.config.Claim.MaxAttemptsPerSecond,
	}, metrics, store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return coordinator, nil
}

func runClaim(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ids, err := rt.identities()
	if err != nil {
		return err
	}
	pool, err := rt.endpoints()
	if err != nil {
		return err
	}

	// Claims must not race a running fleet's claim-on-exit.
	lock, err := acquireInstanceLock(rt.config.System.DataDir, "")
	if err != nil {
		return err
	}
	defer lock.release()

	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()
	var claimStore claim.Store
	if store != nil {
		claimStore = store
	}

	client := rt.client(pool)
	balances := ledger.NewLedger(rt.logs.GetLogger("ledger"), client, nil)
	coordinator, err := newCoordinator(rt, balances, client, nil, claimStore)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes, err := coordinator.ClaimAll(ctx, ids)
	newConsoleReporter(cmd.OutOrStdout()).Claims(outcomes)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
