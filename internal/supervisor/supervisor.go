package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/randomizedcoder/go-validium-demo/internal/classifier"
	"github.com/randomizedcoder/go-validium-demo/internal/logging"
	"github.com/randomizedcoder/go-validium-demo/internal/parser"
	"github.com/randomizedcoder/go-validium-demo/internal/process"
)

const (
	// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopTimeout = 10 * time.Second

	// DefaultDrainTimeout bounds how long Run waits for output after exit.
	// Grandchildren that inherit the output stream can keep it open.
	DefaultDrainTimeout = 5 * time.Second
)

// LaunchError reports that a process could not be started at all.
type LaunchError struct {
	Label string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Label, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStateChange is called when the process state changes.
	OnStateChange func(label string, oldState, newState State)

	// OnStart is called once the process is running.
	OnStart func(label string, pid int)

	// OnReady is called exactly once, when this supervisor sets the latch.
	OnReady func(label string, at time.Time)

	// OnLine is called for every output line.
	OnLine func(label string, d classifier.Decision)

	// OnExit is called when the process exits.
	OnExit func(label string, exitCode int, uptime time.Duration)
}

// ProcessHandle is the read-only view of a supervised process.
type ProcessHandle interface {
	Label() string
	PID() int
	State() State
	ExitCode() (code int, exited bool)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Runner    process.Runner
	Rules     classifier.Rules
	Latch     *Latch // optional; a private latch is created when nil
	Output    *logging.OutputHandler
	Logger    *slog.Logger
	Callbacks Callbacks

	StopTimeout  time.Duration
	DrainTimeout time.Duration
}

// Supervisor manages the lifecycle of a single process.
type Supervisor struct {
	label     string
	runner    process.Runner
	rules     classifier.Rules
	latch     *Latch
	output    *logging.OutputHandler
	logger    *slog.Logger
	callbacks Callbacks

	stopTimeout  time.Duration
	drainTimeout time.Duration

	// State management
	state     State
	stateMu   sync.RWMutex
	startTime time.Time
	pid       int
	exitCode  int
	exited    chan struct{}
	ran       bool
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	label := "process"
	if cfg.Runner != nil {
		label = cfg.Runner.Name()
	}
	latch := cfg.Latch
	if latch == nil {
		latch = NewLatch()
	}
	output := cfg.Output
	if output == nil {
		output = logging.NewOutputHandler(label, logger)
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}

	return &Supervisor{
		label:        label,
		runner:       cfg.Runner,
		rules:        cfg.Rules,
		latch:        latch,
		output:       output,
		logger:       logger,
		callbacks:    cfg.Callbacks,
		stopTimeout:  stopTimeout,
		drainTimeout: drainTimeout,
		state:        StateCreated,
		exited:       make(chan struct{}),
	}
}

// Run spawns the process, classifies its output until the stream closes and
// returns the exit code. A signal exit is reported as 128+signal. Spawn
// failures are returned as *LaunchError with exit code -1.
//
// Cancelling ctx sends SIGTERM to the process group; the process is killed if
// it is still alive after the stop timeout. Run may be called only once.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	s.stateMu.Lock()
	if s.ran {
		s.stateMu.Unlock()
		return -1, errors.New("supervisor already ran")
	}
	s.ran = true
	s.stateMu.Unlock()

	defer close(s.exited)

	if s.runner == nil {
		return s.launchFailed(errors.New("no command configured"))
	}

	cmd, err := s.runner.Build(ctx)
	if err != nil {
		return s.launchFailed(err)
	}

	// Terminate the whole group so build tools take their children down too.
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process, syscall.SIGTERM)
	}
	cmd.WaitDelay = s.stopTimeout

	output, err := s.start(cmd)
	if err != nil {
		return s.launchFailed(err)
	}

	pid := cmd.Process.Pid
	s.stateMu.Lock()
	s.pid = pid
	s.startTime = time.Now()
	s.stateMu.Unlock()
	s.setState(StateBuilding)

	s.logger.Info("process_started",
		"label", s.label,
		"pid", pid,
		"pty", s.runner.PTY(),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(s.label, pid)
	}

	reader := parser.NewPipeReader(output, parser.LineParserFunc(s.handleLine))
	readErr := make(chan error, 1)
	go func() {
		readErr <- reader.Run()
	}()

	waitErr := cmd.Wait()
	uptime := time.Since(s.startTime)
	exitCode := extractExitCode(waitErr)

	s.drain(output, reader, readErr)

	s.stateMu.Lock()
	s.exitCode = exitCode
	s.stateMu.Unlock()
	s.setState(StateTerminated)

	_, lines, truncated := reader.Stats()
	s.logger.Info("process_exited",
		"label", s.label,
		"pid", pid,
		"exit_code", exitCode,
		"uptime", uptime.String(),
		"lines", lines,
		"truncated_lines", truncated,
		"ready", s.latch.IsSet(),
	)
	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(s.label, exitCode, uptime)
	}

	return exitCode, nil
}

// start spawns cmd with stdout and stderr merged into one stream and returns
// the parent's read side.
func (s *Supervisor) start(cmd *exec.Cmd) (*os.File, error) {
	if s.runner.PTY() {
		// pty.Start makes the child a session leader, which also gives it a
		// fresh process group.
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		return ptmx, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}

	// The child holds its own copy; closing ours lets the reader see EOF.
	w.Close()
	return r, nil
}

// drain waits for the reader to hit end of stream, closing the stream after
// the drain timeout if something still holds the write side.
func (s *Supervisor) drain(output *os.File, reader *parser.PipeReader, readErr <-chan error) {
	var err error
	select {
	case err = <-readErr:
	case <-time.After(s.drainTimeout):
		s.logger.Warn("output_drain_timeout",
			"label", s.label,
			"timeout", s.drainTimeout.String(),
		)
		output.Close()
		err = <-readErr
	}
	output.Close()

	if err != nil {
		s.logger.Warn("output_read_error", "label", s.label, "error", err)
	}
}

// handleLine runs on the reader goroutine for every line, in order.
func (s *Supervisor) handleLine(line string) {
	s.output.Record(line)

	d := classifier.Classify(line, s.rules)
	if d.Forward {
		s.output.Forward(line)
	}
	if s.callbacks.OnLine != nil {
		s.callbacks.OnLine(s.label, d)
	}

	if d.TriggersReady && s.latch.Set() {
		at := s.latch.SetAt()
		s.setState(StateReady)
		s.logger.Info("process_ready",
			"label", s.label,
			"after", time.Since(s.startTimeSnapshot()).String(),
		)
		if s.callbacks.OnReady != nil {
			s.callbacks.OnReady(s.label, at)
		}
	}
}

func (s *Supervisor) launchFailed(err error) (int, error) {
	s.logger.Error("process_launch_failed",
		"label", s.label,
		"error", err,
	)
	s.stateMu.Lock()
	s.exitCode = -1
	s.stateMu.Unlock()
	s.setState(StateTerminated)
	return -1, &LaunchError{Label: s.label, Err: err}
}

// Stop gracefully stops the supervised process.
// It first sends SIGTERM to the process group, then SIGKILL if the process
// doesn't exit within timeout (the configured stop timeout when <= 0).
func (s *Supervisor) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.stopTimeout
	}

	s.stateMu.RLock()
	pid := s.pid
	s.stateMu.RUnlock()

	if pid == 0 || s.State().IsTerminal() {
		return nil
	}

	s.logger.Info("process_stopping", "label", s.label, "pid", pid)
	killGroup(pid, syscall.SIGTERM)

	select {
	case <-s.exited:
		return nil
	case <-time.After(timeout):
		s.logger.Warn("force_killing_process",
			"label", s.label,
			"pid", pid,
		)
		killGroup(pid, syscall.SIGKILL)
		return errors.New("process did not exit gracefully")
	}
}

// Done is closed once Run has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.exited
}

// Latch returns the readiness latch this supervisor sets.
func (s *Supervisor) Latch() *Latch {
	return s.latch
}

// Output returns the handler receiving this process's lines.
func (s *Supervisor) Output() *logging.OutputHandler {
	return s.output
}

// Label returns the process label.
func (s *Supervisor) Label() string {
	return s.label
}

// PID returns the process ID, or 0 before start.
func (s *Supervisor) PID() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.pid
}

// ExitCode returns the exit code once the process has terminated.
func (s *Supervisor) ExitCode() (int, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state != StateTerminated {
		return 0, false
	}
	return s.exitCode, true
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Uptime returns the current uptime if running, or 0 if not.
func (s *Supervisor) Uptime() time.Duration {
	if !s.State().IsRunning() {
		return 0
	}
	return time.Since(s.startTimeSnapshot())
}

func (s *Supervisor) startTimeSnapshot() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.startTime
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(s.label, oldState, newState)
	}
}

// signalGroup signals the process group led by p, falling back to p alone.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}

func killGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}

var _ ProcessHandle = (*Supervisor)(nil)
