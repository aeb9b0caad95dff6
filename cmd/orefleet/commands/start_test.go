//go:build unix

package commands

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shizukutanaka/orefleet/internal/config"
	"github.com/shizukutanaka/orefleet/internal/database"
	"github.com/shizukutanaka/orefleet/internal/identity"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeMiner stands in for the ore binary: mine records its pid and sleeps,
// rewards prints the keypair's balance, claim always lands.
const fakeMiner = `#!/bin/sh
key=""
prev=""
for arg in "$@"; do
	if [ "$prev" = "--keypair" ]; then key="$arg"; fi
	prev="$arg"
done
for arg in "$@"; do
	case "$arg" in
	mine)
		echo $$ >> "PIDLOG"
		exec sleep 30
		;;
	rewards)
		case "$key" in
BALANCES
		*) echo "0.000000000 ORE" ;;
		esac
		exit 0
		;;
	claim)
		echo "Transaction landed"
		exit 0
		;;
	esac
done
exit 1
`

const fleetConfig = `miner:
  binary: BINARY
  threads: 1
identities:
  dir: KEYS
endpoints:
  - https://rpc.test
fleet:
  parallelism: 1
  wave_size: 10
  wave_delay: 1s
  min_delay: 0s
  launch_delay: 10ms
  load_sampling: false
ledger:
  poll_interval: 50ms
logging:
  level: error
database:
  driver: sqlite3
  dsn: DATA/orefleet.db
system:
  data_dir: DATA
  pid_file: DATA/orefleet.pid
`

type fleetFixture struct {
	dir    string
	data   string
	pidLog string
}

// newFleetFixture writes a fake miner, one keypair per balance and a config
// pointing at both, and makes it the active --config.
func newFleetFixture(t *testing.T, balances map[string]string) *fleetFixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fleetFixture{
		dir:    dir,
		data:   filepath.Join(dir, "data"),
		pidLog: filepath.Join(dir, "workers.pid"),
	}

	keys := filepath.Join(dir, "keys")
	require.NoError(t, os.MkdirAll(keys, 0755))
	var cases strings.Builder
	for name, amount := range balances {
		require.NoError(t, os.WriteFile(filepath.Join(keys, name+".json"), []byte("[]"), 0600))
		cases.WriteString("\t\t*/" + name + ".json) echo \"" + amount + " ORE\" ;;\n")
	}

	binary := filepath.Join(dir, "ore")
	script := strings.NewReplacer("PIDLOG", fx.pidLog, "BALANCES\n", cases.String()).Replace(fakeMiner)
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))

	cfg := strings.NewReplacer("BINARY", binary, "KEYS", keys, "DATA", fx.data).Replace(fleetConfig)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))

	previous := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = previous })
	return fx
}

// pids returns the workers that have started so far.
func (fx *fleetFixture) pids() []int {
	data, err := os.ReadFile(fx.pidLog)
	if err != nil {
		return nil
	}
	var out []int
	for _, line := range strings.Fields(string(data)) {
		if pid, err := strconv.Atoi(line); err == nil {
			out = append(out, pid)
		}
	}
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestCommand(ctx context.Context, run func(*cobra.Command, []string) error) (*cobra.Command, *syncBuffer) {
	out := &syncBuffer{}
	cmd := &cobra.Command{RunE: run}
	cmd.SetOut(out)
	cmd.SetContext(ctx)
	return cmd, out
}

func TestStartInterruptSummarizesClaimsAndTerminates(t *testing.T) {
	fx := newFleetFixture(t, map[string]string{"a": "2.5", "b": "2.5"})

	// A process that pre-dates the run must survive terminate-on-exit.
	bystander := exec.Command("sleep", "30")
	require.NoError(t, bystander.Start())
	t.Cleanup(func() {
		bystander.Process.Kill()
		bystander.Wait()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cmd, out := newTestCommand(ctx, runStart)
	addStartFlags(cmd)
	require.NoError(t, cmd.Flags().Set("parallelism", "2"))
	require.NoError(t, cmd.Flags().Set("claim-on-exit", "true"))
	require.NoError(t, cmd.Flags().Set("terminate-on-exit", "true"))

	// Interrupt once every worker is up and one progress line was printed.
	go func() {
		for ctx.Err() == nil {
			printed := out.String()
			if strings.Contains(printed, "Launched 4 of 4 workers") &&
				strings.Contains(printed, " --- ") && len(fx.pids()) == 4 {
				cancel()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	require.NoError(t, runStart(cmd, nil))
	require.ErrorIs(t, ctx.Err(), context.Canceled, "session never reached the interrupt point")

	printed := out.String()
	assert.Contains(t, printed, "Starting this mining session with 5.000000 ORE")
	assert.Contains(t, printed, " --- Gained 0.000000 ORE, totaling 5.000000 ORE")
	assert.Contains(t, printed, "Gained a total of 0.000000 ORE in this session, totaling 5.000000 ORE")
	assert.Contains(t, printed, "Claimed 2.500000 ORE for a after 1 attempt(s)")
	assert.Contains(t, printed, "Claimed 2.500000 ORE for b after 1 attempt(s)")
	assert.NotContains(t, printed, "unreachable")
	assert.Less(t, strings.Index(printed, "Gained a total"), strings.Index(printed, "Claimed"))

	pids := fx.pids()
	require.Len(t, pids, 4)
	for _, pid := range pids {
		assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "worker %d still running", pid)
	}
	assert.NoError(t, bystander.Process.Signal(syscall.Signal(0)))

	assert.NoFileExists(t, filepath.Join(fx.data, "orefleet.pid"))

	db, err := database.New(zaptest.NewLogger(t), database.Config{Driver: "sqlite3", DSN: filepath.Join(fx.data, "orefleet.db")})
	require.NoError(t, err)
	defer db.Close()
	store := database.NewStore(db)

	sessions, err := store.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Open())
	assert.Equal(t, 5.0, sessions[0].Final)

	claims, err := store.RecentClaims(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, claims, 2)
}

func TestStartRejectsEmptyIdentitySet(t *testing.T) {
	newFleetFixture(t, nil)

	cmd, out := newTestCommand(context.Background(), runStart)
	addStartFlags(cmd)

	err := runStart(cmd, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorContains(t, err, identity.ErrEmptySet.Error())
	assert.Empty(t, out.String())
}

func TestClaimSkipsEmptyBalances(t *testing.T) {
	fx := newFleetFixture(t, map[string]string{"a": "1.25", "b": "0"})

	cmd, out := newTestCommand(context.Background(), runClaim)
	require.NoError(t, runClaim(cmd, nil))

	printed := out.String()
	assert.Contains(t, printed, "Claimed 1.250000 ORE for a after 1 attempt(s)")
	assert.Contains(t, printed, "Nothing to claim for b")
	assert.Empty(t, fx.pids())
}

func TestClaimRejectsEmptyIdentitySet(t *testing.T) {
	newFleetFixture(t, nil)

	cmd, _ := newTestCommand(context.Background(), runClaim)
	assert.ErrorIs(t, runClaim(cmd, nil), config.ErrInvalidConfig)
}
