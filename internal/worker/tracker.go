package worker

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Tracker remembers the workers spawned by this run. Only these are ever
// terminated; processes that pre-date the run are never touched.
type Tracker struct {
	logger  *zap.Logger
	mu      sync.Mutex
	handles []Handle
	exited  map[Handle]bool
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger.Named("tracker"),
		exited: make(map[Handle]bool),
	}
}

// Add takes ownership of h.
func (t *Tracker) Add(h Handle) {
	t.mu.Lock()
	t.handles = append(t.handles, h)
	t.mu.Unlock()
}

// Handles returns a snapshot of the tracked workers.
func (t *Tracker) Handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, len(t.handles))
	copy(out, t.handles)
	return out
}

// Running counts tracked workers that have not exited. Each exit is logged
// the first time it is seen.
func (t *Tracker) Running() int {
	n := 0
	for _, h := range t.Handles() {
		if h.Alive() {
			n++
			continue
		}
		t.noteExit(h)
	}
	return n
}

func (t *Tracker) noteExit(h Handle) {
	t.mu.Lock()
	seen := t.exited[h]
	t.exited[h] = true
	t.mu.Unlock()
	if seen {
		return
	}

	if err := h.ExitErr(); err != nil {
		t.logger.Warn("Worker exited",
			zap.Int("display_id", h.DisplayID()),
			zap.Int("pid", h.PID()),
			zap.Error(err),
		)
		return
	}
	t.logger.Info("Worker finished",
		zap.Int("display_id", h.DisplayID()),
		zap.Int("pid", h.PID()),
	)
}

// TerminateAll stops every tracked worker concurrently.
func (t *Tracker) TerminateAll() error {
	handles := t.Handles()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	t.mu.Lock()
	for _, h := range handles {
		// Exits caused here are expected and not reported.
		t.exited[h] = true
	}
	t.mu.Unlock()

	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := h.Terminate(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %d (pid %d): %w", h.DisplayID(), h.PID(), err))
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	t.logger.Info("Terminated fleet workers",
		zap.Int("workers", len(handles)),
		zap.Int("failures", len(errs)),
	)
	return errors.Join(errs...)
}
