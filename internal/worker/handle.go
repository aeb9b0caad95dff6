package worker

import (
	"os/exec"
	"time"
)

// terminateGrace is how long a worker gets to exit after the polite signal.
const terminateGrace = 5 * time.Second

// Handle is the exclusive reference to a spawned worker.
type Handle interface {
	DisplayID() int
	PID() int
	Alive() bool
	// ExitErr is the result of the worker's exit; nil while it runs.
	ExitErr() error
	Terminate() error
}

type processHandle struct {
	cmd       *exec.Cmd
	displayID int
	done      chan struct{}
	exitErr   error
}

func newProcessHandle(cmd *exec.Cmd, displayID int) *processHandle {
	h := &processHandle{
		cmd:       cmd,
		displayID: displayID,
		done:      make(chan struct{}),
	}
	// Reap the child so it never lingers as a zombie.
	go func() {
		h.exitErr = cmd.Wait()
		close(h.done)
	}()
	return h
}

func (h *processHandle) DisplayID() int { return h.displayID }
func (h *processHandle) PID() int       { return h.cmd.Process.Pid }

func (h *processHandle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

func (h *processHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Terminate asks the worker's process group to stop and kills it if it
// does not exit within the grace period.
func (h *processHandle) Terminate() error {
	if !h.Alive() {
		return nil
	}
	if err := terminateGroup(h.cmd.Process); err != nil && h.Alive() {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(terminateGrace):
	}
	if err := killGroup(h.cmd.Process); err != nil && h.Alive() {
		return err
	}
	<-h.done
	return nil
}
