package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/shizukutanaka/orefleet/internal/endpoint"
	"github.com/shizukutanaka/orefleet/internal/identity"
	"go.uber.org/zap"
)

var ErrSpawnFailed = errors.New("worker spawn failed")

// LaunchSpec describes one worker to start. It is not retained after launch.
type LaunchSpec struct {
	Identity  identity.Identity
	Endpoint  endpoint.Endpoint
	Fee       uint64
	Threads   int
	DisplayID int
}

// Launcher starts detached workers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// CommandBuilder turns a spec into the miner executable and its arguments.
type CommandBuilder interface {
	Binary() string
	MineArgs(keypair, endpoint string, fee uint64, threads int) []string
}

// OutputConfig decides where worker output goes.
type OutputConfig struct {
	// Show attaches workers to this process' stdout and stderr.
	Show bool
	// LogDir, when set and Show is false, receives one log file per worker.
	LogDir string
}

// ProcessLauncher spawns miner processes in their own process group so an
// interrupt delivered to the orchestrator does not reach them.
type ProcessLauncher struct {
	logger  *zap.Logger
	builder CommandBuilder
	output  OutputConfig
}

// NewProcessLauncher creates a launcher.
func NewProcessLauncher(logger *zap.Logger, builder CommandBuilder, output OutputConfig) *ProcessLauncher {
	return &ProcessLauncher{
		logger:  logger.Named("launcher"),
		builder: builder,
		output:  output,
	}
}

// Launch starts the worker and returns without waiting for it.
func (l *ProcessLauncher) Launch(_ context.Context, spec LaunchSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: worker %d: %w", ErrSpawnFailed, spec.DisplayID, err)
	}

	args := l.builder.MineArgs(spec.Identity.Path, spec.Endpoint.String(), spec.Fee, spec.Threads)

	// The worker must outlive the launch loop, so it is not bound to a context.
	cmd := exec.Command(l.builder.Binary(), args...) //nolint:gosec // G204: binary comes from config
	setSysProcAttr(cmd)

	out, err := l.openOutput(spec.DisplayID)
	if err != nil {
		return nil, fmt.Errorf("%w: worker %d: %v", ErrSpawnFailed, spec.DisplayID, err)
	}
	if out != nil {
		defer out.Close()
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: worker %d: %v", ErrSpawnFailed, spec.DisplayID, err)
	}

	h := newProcessHandle(cmd, spec.DisplayID)
	l.logger.Debug("Worker spawned",
		zap.Int("display_id", spec.DisplayID),
		zap.Int("pid", h.PID()),
		zap.String("identity", spec.Identity.Name),
		zap.String("endpoint", spec.Endpoint.String()),
	)
	return h, nil
}

// openOutput returns nil when output is inherited.
func (l *ProcessLauncher) openOutput(displayID int) (io.WriteCloser, error) {
	if l.output.Show {
		return nil, nil
	}
	if l.output.LogDir == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(l.output.LogDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.output.LogDir, fmt.Sprintf("worker-%03d.log", displayID))
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
