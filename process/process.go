// Package process runs child processes in their own process groups so that
// signals can be delivered to the whole tree a user script spawns.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kochi-hpc/kochi/logger"
)

// Config is the configuration for a Process.
type Config struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Signal sent to the process group on Interrupt. Defaults to SIGINT.
	InterruptSignal syscall.Signal

	// How long to wait between Interrupt and SIGKILL when the context that
	// started the process is cancelled.
	SignalGracePeriod time.Duration
}

// Process is a child process tied to a process group.
type Process struct {
	conf   Config
	logger logger.Logger

	command *exec.Cmd
	pid     int

	mu            sync.Mutex
	started, done chan struct{}
	waitResult    error
}

func New(l logger.Logger, c Config) *Process {
	if c.InterruptSignal == 0 {
		c.InterruptSignal = syscall.SIGINT
	}
	if c.SignalGracePeriod == 0 {
		c.SignalGracePeriod = 10 * time.Second
	}
	return &Process{
		conf:    c,
		logger:  l,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run executes the command and blocks until it exits. The returned error
// covers failures to start; the exit status is reported by WaitResult.
func (p *Process) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.command != nil {
		p.mu.Unlock()
		return errors.New("process is already running")
	}
	p.command = exec.Command(p.conf.Path, p.conf.Args...)
	p.command.Env = p.conf.Env
	p.command.Dir = p.conf.Dir
	p.command.Stdin = p.conf.Stdin
	p.command.Stdout = p.conf.Stdout
	p.command.Stderr = p.conf.Stderr
	p.setupProcessGroup()

	if err := p.command.Start(); err != nil {
		p.mu.Unlock()
		close(p.done)
		return fmt.Errorf("starting %s: %w", p.conf.Path, err)
	}
	p.pid = p.command.Process.Pid
	p.mu.Unlock()
	close(p.started)

	p.logger.Debug("[Process] Process %s is running with PID: %d", p.conf.Path, p.pid)

	// Propagate context cancellation to the process group.
	cancelDone := make(chan struct{})
	go func() {
		defer close(cancelDone)
		select {
		case <-ctx.Done():
			p.logger.Debug("[Process] Context cancelled, interrupting PID: %d", p.pid)
			_ = p.Interrupt()
			select {
			case <-p.done:
			case <-time.After(p.conf.SignalGracePeriod):
				_ = p.Terminate()
			}
		case <-p.done:
		}
	}()

	waitResult := p.command.Wait()

	p.mu.Lock()
	p.waitResult = waitResult
	p.mu.Unlock()
	close(p.done)
	<-cancelDone

	p.logger.Debug("[Process] Process with PID: %d finished with exit status %d", p.pid, ExitCode(waitResult))
	return nil
}

// Done returns a channel that is closed when the process finishes.
func (p *Process) Done() <-chan struct{} { return p.done }

// Started returns a channel that is closed when the process has started.
func (p *Process) Started() <-chan struct{} { return p.started }

// Pid returns the process id once started.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// WaitResult returns the raw error returned by waiting on the process.
func (p *Process) WaitResult() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitResult
}

// WaitStatus returns the wait status of the finished process.
func (p *Process) WaitStatus() (syscall.WaitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.command == nil || p.command.ProcessState == nil {
		return 0, false
	}
	ws, ok := p.command.ProcessState.Sys().(syscall.WaitStatus)
	return ws, ok
}

// ExitCode extracts an exit code from a wait error. A nil error is exit 0; a
// non-exit error maps to 1.
func ExitCode(waitResult error) int {
	if waitResult == nil {
		return 0
	}
	if exitErr := new(exec.ExitError); errors.As(waitResult, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// IsSignaled reports whether the wait error was caused by a signal.
func IsSignaled(waitResult error) bool {
	if waitResult == nil {
		return false
	}
	if exitErr := new(exec.ExitError); errors.As(waitResult, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.Signaled()
		}
	}
	return false
}
