// Package shell provides a virtual shell for executing commands with a
// tracked working directory and environment.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/buildkite/shellwords"

	"github.com/kochi-hpc/kochi/env"
	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/process"
)

// Shell tracks a working directory and environment across commands, and
// remembers the currently-running process so it can be signalled.
type Shell struct {
	Logger logger.Logger

	// The running environment for the shell.
	Env *env.Environment

	// Where combined stdout/stderr of commands is written.
	// Defaults to [os.Stdout].
	Writer io.Writer

	// The currently-running or last-run process.
	proc atomic.Pointer[process.Process]

	// Current working directory that commands get executed in.
	wd string
}

type NewShellOpt = func(*Shell)

func WithEnv(e *env.Environment) NewShellOpt { return func(s *Shell) { s.Env = e } }
func WithLogger(l logger.Logger) NewShellOpt { return func(s *Shell) { s.Logger = l } }
func WithStdout(w io.Writer) NewShellOpt     { return func(s *Shell) { s.Writer = w } }
func WithWD(wd string) NewShellOpt           { return func(s *Shell) { s.wd = wd } }

// New returns a new Shell. The default stdout is [os.Stdout], the default
// logger discards, the initial working directory is the result of calling
// [os.Getwd], and the default environment is read from [os.Environ].
func New(opts ...NewShellOpt) (*Shell, error) {
	shell := &Shell{}
	for _, opt := range opts {
		opt(shell)
	}

	if shell.Logger == nil {
		shell.Logger = logger.Discard
	}
	if shell.Env == nil {
		shell.Env = env.FromSlice(os.Environ())
	}
	if shell.Writer == nil {
		shell.Writer = os.Stdout
	}
	if shell.wd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to find current working directory: %w", err)
		}
		shell.wd = wd
	}

	return shell, nil
}

// Getwd returns the current working directory of the shell.
func (s *Shell) Getwd() string { return s.wd }

// Chdir changes the working directory of the shell.
func (s *Shell) Chdir(path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.wd, path)
	}

	s.Logger.Debug("$ cd %s", shellwords.Quote(path))

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to change working directory: %w", err)
	}

	s.wd = path
	return nil
}

// Interrupt interrupts the running process group, if there is one.
func (s *Shell) Interrupt() {
	if p := s.proc.Load(); p != nil {
		_ = p.Interrupt()
	}
}

// Terminate kills the running process group, if there is one.
func (s *Shell) Terminate() {
	if p := s.proc.Load(); p != nil {
		_ = p.Terminate()
	}
}

// Run runs a command, writes combined output to s.Writer, and returns an
// error if it fails.
func (s *Shell) Run(ctx context.Context, command string, arg ...string) error {
	s.Logger.Debug("$ %s %s", command, strings.Join(arg, " "))
	return s.executeCommand(ctx, s.buildCommand(command, arg...), s.Writer, s.Writer)
}

// RunWithStdin runs a command with the provided reader as its stdin.
func (s *Shell) RunWithStdin(ctx context.Context, stdin io.Reader, command string, arg ...string) error {
	cfg := s.buildCommand(command, arg...)
	cfg.Stdin = stdin
	return s.executeCommand(ctx, cfg, s.Writer, s.Writer)
}

// RunAndCapture runs a command and captures its stdout (trimmed) to a string.
// Stderr is discarded.
func (s *Shell) RunAndCapture(ctx context.Context, command string, arg ...string) (string, error) {
	var sb strings.Builder
	if err := s.executeCommand(ctx, s.buildCommand(command, arg...), &sb, nil); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

// RunAndCaptureRaw is like RunAndCapture but preserves the output verbatim,
// including trailing newlines. Needed for binary diffs, where trailing
// context is significant.
func (s *Shell) RunAndCaptureRaw(ctx context.Context, command string, arg ...string) (string, error) {
	var sb strings.Builder
	if err := s.executeCommand(ctx, s.buildCommand(command, arg...), &sb, nil); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RunScriptLines joins the given lines into a single script and runs it under
// "sh -c" with the extra environment merged over the shell environment. Both
// output streams go to out.
func (s *Shell) RunScriptLines(ctx context.Context, extra *env.Environment, out io.Writer, lines []string) error {
	script := strings.Join(lines, "\n")
	cfg := s.buildCommand("/bin/sh", "-c", script)
	if extra != nil {
		environ := env.FromSlice(cfg.Env)
		environ.Merge(extra)
		cfg.Env = environ.ToSlice()
	}
	return s.executeCommand(ctx, cfg, out, out)
}

func (s *Shell) buildCommand(name string, arg ...string) process.Config {
	return process.Config{
		Path: name,
		Args: arg,
		Env:  append(s.Env.ToSlice(), "PWD="+s.wd),
		Dir:  s.wd,
	}
}

func (s *Shell) executeCommand(ctx context.Context, cfg process.Config, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	cfg.Stdout = stdout
	cfg.Stderr = stderr

	p := process.New(s.Logger, cfg)
	s.proc.Store(p)

	if err := p.Run(ctx); err != nil {
		return err
	}

	if waitResult := p.WaitResult(); waitResult != nil {
		return &ExitError{
			Code:     process.ExitCode(waitResult),
			Signaled: process.IsSignaled(waitResult),
			Err:      fmt.Errorf("error running %q: %w", cfg.Path, waitResult),
		}
	}
	return nil
}

// ExitError is an error that carries a command exit code.
type ExitError struct {
	Code     int
	Signaled bool
	Err      error
}

func (ee *ExitError) Error() string { return ee.Err.Error() }
func (ee *ExitError) Unwrap() error { return ee.Err }

// ExitCode extracts an exit code from an error where possible, otherwise
// returns 0 for no error and 1 for an error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if cause := new(ExitError); errors.As(err, &cause) {
		return cause.Code
	}
	if cause := new(exec.ExitError); errors.As(err, &cause) {
		return cause.ExitCode()
	}
	return 1
}

// IsExitSignaled reports whether the error was an exit caused by a signal.
func IsExitSignaled(err error) bool {
	if err == nil {
		return false
	}
	if cause := new(ExitError); errors.As(err, &cause) {
		return cause.Signaled
	}
	if exitErr := new(exec.ExitError); errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.Signaled()
		}
	}
	return false
}
