// Package orchestrator runs the demo: it supervises the server, waits for its
// ready marker and then launches the workload exactly once.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-validium-demo/internal/classifier"
	"github.com/randomizedcoder/go-validium-demo/internal/config"
	"github.com/randomizedcoder/go-validium-demo/internal/logging"
	"github.com/randomizedcoder/go-validium-demo/internal/metrics"
	"github.com/randomizedcoder/go-validium-demo/internal/preflight"
	"github.com/randomizedcoder/go-validium-demo/internal/process"
	"github.com/randomizedcoder/go-validium-demo/internal/stats"
	"github.com/randomizedcoder/go-validium-demo/internal/store"
	"github.com/randomizedcoder/go-validium-demo/internal/supervisor"
)

// ErrNeverReady is returned when the server terminates, or the ready timeout
// fires, before the ready marker is seen. The workload is not launched.
var ErrNeverReady = errors.New("server never became ready")

// recentLinesInSummary is how much failed-process output the summary shows.
const recentLinesInSummary = 10

// Config wires an Orchestrator.
type Config struct {
	Config    *config.Config
	Logger    *slog.Logger
	Collector *metrics.Collector // nil creates a private one
	RunID     string

	// Out receives preflight results and the exit summary (default stdout).
	Out io.Writer

	// HandleSignals stops both processes on SIGINT/SIGTERM.
	HandleSignals bool
}

// Result describes how a run ended.
type Result struct {
	RunID string

	ServerExit int
	ServerErr  error

	Ready   bool
	ReadyAt time.Time

	WorkloadLaunched bool
	LaunchedAt       time.Time
	WorkloadExit     int
	WorkloadErr      error

	// Interrupted is set when the run was cancelled by a signal or ctx.
	Interrupted bool
	Duration    time.Duration
}

// Orchestrator coordinates the server and workload supervisors.
type Orchestrator struct {
	config    *config.Config
	logger    *slog.Logger
	metrics   *metrics.Collector
	runID     string
	out       io.Writer
	signals   bool
	startTime time.Time

	mu    sync.Mutex
	exits map[string]exitInfo

	server   *supervisor.Supervisor
	workload *supervisor.Supervisor
	latch    *supervisor.Latch
}

type exitInfo struct {
	code   int
	uptime time.Duration
}

// New creates a new Orchestrator with the given configuration.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = metrics.NewCollector(metrics.CollectorConfig{RunID: cfg.RunID, Mode: "run"})
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = config.DefaultConfig()
	}

	return &Orchestrator{
		config:  appCfg,
		logger:  logging.ForRun(logger, "orchestrator", cfg.RunID),
		metrics: collector,
		runID:   cfg.RunID,
		out:     out,
		signals: cfg.HandleSignals,
		exits:   make(map[string]exitInfo),
		latch:   supervisor.NewLatch(),
	}
}

// Run supervises the server, launches the workload once the server is ready
// and blocks until both processes have exited.
//
// The returned error is a preflight or log setup failure, a server
// *supervisor.LaunchError, ErrNeverReady, or the workload's
// *supervisor.LaunchError. Exit codes are always in Result.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.startTime = time.Now()
	res := Result{RunID: o.runID, ServerExit: -1, WorkloadExit: -1}

	// Run preflight checks
	if !o.config.Run.SkipPreflight {
		pf := preflight.RunAll(o.preflightOptions())
		preflight.PrintResults(o.out, pf)
		if err := pf.Err(); err != nil {
			return res, fmt.Errorf("%w (use --skip-preflight to override)", err)
		}
	}

	serverOut, serverLog, err := o.outputFor(o.config.Server.Command.Name())
	if err != nil {
		return res, err
	}
	if serverLog != nil {
		defer serverLog.Close()
	}
	workloadOut, workloadLog, err := o.outputFor(o.config.Workload.Command.Name())
	if err != nil {
		return res, err
	}
	if workloadLog != nil {
		defer workloadLog.Close()
	}

	o.server = o.newSupervisor(o.config.Server, o.latch, serverOut)
	o.workload = o.newSupervisor(o.config.Workload, nil, workloadOut)

	// Start metrics server
	var metricsServer *metrics.Server
	if o.config.Metrics.Addr != "" {
		metricsServer = metrics.NewServer(metrics.ServerConfig{
			Addr:      o.config.Metrics.Addr,
			Collector: o.metrics,
			Logger:    o.logger,
			Ready:     o.latch.IsSet,
			Status:    o.status,
		})
		if err := metricsServer.Start(); err != nil {
			return res, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				o.logger.Warn("metrics_server_shutdown_error", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.signals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				o.logger.Info("received_signal", "signal", sig.String())
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	o.logger.Info("run_starting",
		"server", o.config.Server.Command.String(),
		"workload", o.config.Workload.Command.String(),
		"ready_marker", o.config.Server.Rules.ReadyMarker,
		"ready_timeout", o.config.Run.ReadyTimeout.String(),
	)

	type outcome struct {
		code int
		err  error
	}
	serverDone := make(chan outcome, 1)
	go func() {
		code, err := o.server.Run(ctx)
		serverDone <- outcome{code, err}
	}()

	var runErr error
	readyErr := o.awaitReady(ctx)
	switch {
	case readyErr == nil && ctx.Err() == nil:
		res.Ready = true
		res.ReadyAt = o.latch.SetAt()
		res.WorkloadLaunched = true
		res.LaunchedAt = time.Now()
		o.metrics.WorkloadLaunched()
		o.logger.Info("workload_launching",
			"ready_after", res.ReadyAt.Sub(o.startTime).String(),
		)

		res.WorkloadExit, res.WorkloadErr = o.workload.Run(ctx)
		if res.WorkloadErr != nil {
			// The server keeps running; the failure is reported at exit.
			runErr = res.WorkloadErr
		} else if o.config.Run.StopServerAfterWorkload {
			o.logger.Info("stopping_server_after_workload", "workload_exit", res.WorkloadExit)
			if err := o.server.Stop(o.config.Run.StopTimeout); err != nil {
				o.logger.Warn("server_stop_incomplete", "error", err)
			}
		}

	case ctx.Err() != nil:
		res.Interrupted = true

	default:
		o.logger.Warn("server_never_ready", "reason", readyErr.Error())
		runErr = readyErr
		// After a ready timeout the server is still up with nothing to serve.
		if err := o.server.Stop(o.config.Run.StopTimeout); err != nil {
			o.logger.Warn("server_stop_incomplete", "error", err)
		}
	}

	so := <-serverDone
	res.ServerExit, res.ServerErr = so.code, so.err
	if ctx.Err() != nil {
		res.Interrupted = true
	}
	if res.ServerErr != nil {
		// A server that never started masks the never-ready error.
		runErr = res.ServerErr
	}
	for _, err := range []error{res.ServerErr, res.WorkloadErr} {
		var launchErr *supervisor.LaunchError
		if errors.As(err, &launchErr) {
			o.metrics.ProcessLaunchFailed(launchErr.Label)
		}
	}
	res.Duration = time.Since(o.startTime)

	o.logger.Info("run_complete",
		"server_exit", res.ServerExit,
		"workload_launched", res.WorkloadLaunched,
		"workload_exit", res.WorkloadExit,
		"interrupted", res.Interrupted,
		"duration", res.Duration.String(),
	)

	fmt.Fprint(o.out, stats.FormatRunSummary(o.report(res, readyErr, metricsServer)))
	o.writeMetricsDump()

	return res, runErr
}

// awaitReady blocks until the latch is set (nil), the server terminates or
// the ready timeout fires (ErrNeverReady), or ctx is done (ctx.Err()).
func (o *Orchestrator) awaitReady(ctx context.Context) error {
	var timeout <-chan time.Time
	if o.config.Run.ReadyTimeout > 0 {
		timer := time.NewTimer(o.config.Run.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-o.latch.Done():
		return nil
	case <-o.server.Done():
		// The marker may have been the server's last line.
		if o.latch.IsSet() {
			return nil
		}
		code, _ := o.server.ExitCode()
		return fmt.Errorf("%w: server exited with code %d", ErrNeverReady, code)
	case <-timeout:
		if o.latch.IsSet() {
			return nil
		}
		return fmt.Errorf("%w: no ready marker after %s", ErrNeverReady, o.config.Run.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) newSupervisor(pc config.ProcessConfig, latch *supervisor.Latch, output *logging.OutputHandler) *supervisor.Supervisor {
	var sup *supervisor.Supervisor
	sup = supervisor.New(supervisor.Config{
		Runner:      pc.Command,
		Rules:       pc.Rules,
		Latch:       latch,
		Output:      output,
		Logger:      logging.ForRun(o.logger, "supervisor", o.runID),
		StopTimeout: o.config.Run.StopTimeout,
		Callbacks: supervisor.Callbacks{
			OnStateChange: func(label string, _, newState supervisor.State) {
				o.metrics.SetProcessState(label, int(newState))
			},
			OnStart: func(label string, pid int) {
				o.metrics.ProcessStarted(label)
				if o.config.Log.Verbose {
					o.logger.Debug("process_pid", "label", label, "pid", pid)
				}
			},
			OnReady: func(label string, at time.Time) {
				o.metrics.ProcessReady(label, sup.Uptime())
			},
			OnLine: func(label string, d classifier.Decision) {
				o.metrics.RecordLine(label, d.Forward)
			},
			OnExit: func(label string, exitCode int, uptime time.Duration) {
				o.metrics.ProcessExited(label, exitCode, uptime)
				o.mu.Lock()
				o.exits[label] = exitInfo{code: exitCode, uptime: uptime}
				o.mu.Unlock()
			},
		},
	})
	return sup
}

// outputFor returns the output handler for label, teeing raw lines into
// <log dir>/<label>.log when a log directory is configured.
func (o *Orchestrator) outputFor(label string) (*logging.OutputHandler, *os.File, error) {
	out := logging.NewOutputHandler(label, o.logger)
	if o.config.Log.Dir == "" {
		return out, nil, nil
	}
	f, err := logging.OpenProcessLog(o.config.Log.Dir, label)
	if err != nil {
		return nil, nil, err
	}
	out.SetTee(f)
	o.logger.Debug("process_log_opened", "label", label, "path", f.Name())
	return out, f, nil
}

func (o *Orchestrator) preflightOptions() preflight.Options {
	opts := preflight.Options{
		Commands: []process.Command{o.config.Server.Command, o.config.Workload.Command},
	}
	if o.config.Log.Dir != "" {
		opts.WritableDirs = append(opts.WritableDirs, o.config.Log.Dir)
	}
	return opts
}

// status is the /status view.
func (o *Orchestrator) status() any {
	view := map[string]any{
		"run_id": o.runID,
		"ready":  o.latch.IsSet(),
		"uptime": time.Since(o.startTime).String(),
	}
	for _, sup := range []*supervisor.Supervisor{o.server, o.workload} {
		if sup == nil {
			continue
		}
		p := map[string]any{
			"state": sup.State().String(),
			"pid":   sup.PID(),
		}
		if code, ok := sup.ExitCode(); ok {
			p["exit_code"] = code
		}
		view[sup.Label()] = p
	}
	return view
}

func (o *Orchestrator) report(res Result, readyErr error, metricsServer *metrics.Server) stats.RunReport {
	r := stats.RunReport{
		RunID:    res.RunID,
		Duration: res.Duration,
		Ready:    res.Ready,
		LogDir:   o.config.Log.Dir,
		Server:   o.processReport(o.server, o.config.Server, true, res.ServerErr),
		Workload: o.processReport(o.workload, o.config.Workload, res.WorkloadLaunched, res.WorkloadErr),
	}
	if res.Ready {
		r.ReadyAfter = res.ReadyAt.Sub(o.startTime)
	} else if res.Interrupted {
		r.NeverReady = "interrupted"
	} else if readyErr != nil {
		r.NeverReady = readyErr.Error()
	}
	if metricsServer != nil {
		r.MetricsAddr = metricsServer.Addr()
	}
	return r
}

func (o *Orchestrator) processReport(sup *supervisor.Supervisor, pc config.ProcessConfig, launched bool, err error) stats.ProcessReport {
	p := stats.ProcessReport{
		Label:    sup.Label(),
		Command:  pc.Command.String(),
		Launched: launched,
		Lines:    sup.Output().LineCount(),
	}

	var launchErr *supervisor.LaunchError
	if errors.As(err, &launchErr) {
		p.LaunchError = launchErr.Err.Error()
	}

	o.mu.Lock()
	info, exited := o.exits[p.Label]
	o.mu.Unlock()
	if exited {
		p.ExitCode = info.code
		p.Uptime = info.uptime
	}
	p.RecentLines = sup.Output().RecentLines(recentLinesInSummary)
	return p
}

// writeMetricsDump writes the final metrics snapshot when a dump path is set.
func (o *Orchestrator) writeMetricsDump() {
	path := o.config.Metrics.DumpPath
	if path == "" {
		return
	}
	var buf bytes.Buffer
	if err := o.metrics.WriteSnapshot(&buf); err != nil {
		o.logger.Warn("metrics_dump_failed", "error", err)
		return
	}
	if err := store.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		o.logger.Warn("metrics_dump_failed", "path", path, "error", err)
		return
	}
	o.logger.Info("metrics_dump_written", "path", path)
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Latch returns the server readiness latch.
func (o *Orchestrator) Latch() *supervisor.Latch {
	return o.latch
}
