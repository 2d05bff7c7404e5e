// Package agent owns a session's child agent process. The session does not
// speak to the agent; it only guarantees the process dies with the session.
package agent

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tabcast/tabcast/log"
)

// killEscalation is how long Terminate waits for a SIGTERM'd agent before
// sending SIGKILL.
const killEscalation = 5 * time.Second

// Runner wraps one child agent process.
type Runner struct {
	cmd    *exec.Cmd
	logger *log.Logger

	escalation time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
	waitErr error
}

// NewRunner prepares a runner for the given command. Env entries are
// appended to the parent environment.
func NewRunner(name string, args, env []string, logger *log.Logger) *Runner {
	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	return &Runner{
		cmd:        cmd,
		logger:     logger,
		escalation: killEscalation,
		done:       make(chan struct{}),
	}
}

// Start launches the agent process.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("agent: already started")
	}
	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("agent: starting %s: %w", r.cmd.Path, err)
	}
	r.started = true

	go func() {
		r.waitErr = r.cmd.Wait()
		close(r.done)
	}()
	return nil
}

// Done is closed when the process has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Running reports whether the process has started and not yet exited.
func (r *Runner) Running() bool {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Terminate asks the agent to exit with SIGTERM and escalates to SIGKILL
// if it is still alive after the escalation window. Safe to call on a
// never-started or already-dead runner.
func (r *Runner) Terminate() {
	if !r.Running() {
		return
	}

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		r.logger.Debugf("agent", "signaling pid %d: %s", r.cmd.Process.Pid, err)
	}

	select {
	case <-r.done:
		return
	case <-time.After(r.escalation):
	}

	r.logger.Warnf("agent", "pid %d ignored SIGTERM, killing", r.cmd.Process.Pid)
	if err := r.cmd.Process.Kill(); err != nil {
		r.logger.Debugf("agent", "killing pid %d: %s", r.cmd.Process.Pid, err)
	}
	<-r.done
}
