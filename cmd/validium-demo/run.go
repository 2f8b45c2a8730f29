package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-validium-demo/internal/config"
	"github.com/randomizedcoder/go-validium-demo/internal/metrics"
	"github.com/randomizedcoder/go-validium-demo/internal/orchestrator"
	"github.com/randomizedcoder/go-validium-demo/internal/supervisor"
)

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the server, then launch the workload once it is ready",
		Long: `run starts the server command, forwards its noteworthy output and waits
for the ready marker. The workload is launched exactly once, after the marker.

The exit code is the server's exit code. It is 1 when the server never
became ready or a process could not be launched, and 2 on configuration
errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDemo(cmd.Context())
		},
	}
	mustRegister(config.RegisterFlags(cmd.Flags(), a.v, config.RunFlags))
	return cmd
}

func (a *app) runDemo(ctx context.Context) error {
	cfg, err := a.load()
	if err != nil {
		return exitWith(exitStartup, err)
	}
	if err := config.ValidateRun(cfg); err != nil {
		return exitWith(exitStartup, fmt.Errorf("configuration error: %w", err))
	}

	logger := a.newLogger(cfg)
	runID := uuid.NewString()

	logger.Info("starting",
		"version", version,
		"command", "run",
		"run_id", runID,
		"server", cfg.Server.Command.String(),
		"workload", cfg.Workload.Command.String(),
		"metrics_addr", cfg.Metrics.Addr,
	)
	a.printBanner(cfg)

	collector := metrics.NewCollector(metrics.CollectorConfig{
		Version: version,
		RunID:   runID,
		Mode:    "run",
	})

	orch := orchestrator.New(orchestrator.Config{
		Config:        cfg,
		Logger:        logger,
		Collector:     collector,
		RunID:         runID,
		Out:           a.stdout,
		HandleSignals: true,
	})

	res, err := orch.Run(ctx)
	var launchErr *supervisor.LaunchError
	switch {
	case errors.Is(err, orchestrator.ErrNeverReady), errors.As(err, &launchErr):
		logger.Error("run_failed", "error", err)
		return exitWith(exitFailure, err)
	case err != nil:
		// Preflight and log setup failures happen before anything runs.
		logger.Error("run_failed", "error", err)
		return exitWith(exitStartup, err)
	}

	if res.ServerExit < 0 {
		return exitWith(exitFailure, nil)
	}
	return exitWith(res.ServerExit, nil)
}

// printBanner prints the startup banner.
func (a *app) printBanner(cfg *config.Config) {
	w := a.stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                          validium-demo                            ║")
	fmt.Fprintln(w, "║        Server and workload orchestration for validium mode        ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Server:      %s\n", cfg.Server.Command.String())
	fmt.Fprintf(w, "  Ready on:    %q\n", cfg.Server.Rules.ReadyMarker)
	fmt.Fprintf(w, "  Workload:    %s\n", cfg.Workload.Command.String())
	if cfg.Run.ReadyTimeout > 0 {
		fmt.Fprintf(w, "  Timeout:     %s\n", cfg.Run.ReadyTimeout)
	}
	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.Metrics.Addr)
	}
	if cfg.Log.Dir != "" {
		fmt.Fprintf(w, "  Logs:        %s\n", cfg.Log.Dir)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}
