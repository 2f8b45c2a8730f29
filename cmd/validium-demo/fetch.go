package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-validium-demo/internal/backoff"
	"github.com/randomizedcoder/go-validium-demo/internal/config"
	"github.com/randomizedcoder/go-validium-demo/internal/fetcher"
	"github.com/randomizedcoder/go-validium-demo/internal/logging"
	"github.com/randomizedcoder/go-validium-demo/internal/metrics"
	"github.com/randomizedcoder/go-validium-demo/internal/stats"
	"github.com/randomizedcoder/go-validium-demo/internal/store"
)

func (a *app) newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Archive batch pubdata from the JSON-RPC endpoint",
		Long: `fetch asks the endpoint for the batch after the highest one already in the
store, persists every batch before requesting the next, and stops once the
same batch has come back empty or failed max-retries times in a row.

Exit codes: 0 on exhaustion (see --exhausted-exit-code), 1 on a store write
failure, 2 on configuration or store errors at startup, 130 on interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runFetch(cmd.Context())
		},
	}
	mustRegister(config.RegisterFlags(cmd.Flags(), a.v, config.FetchFlags))
	return cmd
}

func (a *app) runFetch(ctx context.Context) error {
	cfg, err := a.load()
	if err != nil {
		return exitWith(exitStartup, err)
	}
	if err := config.ValidateFetch(cfg); err != nil {
		return exitWith(exitStartup, fmt.Errorf("configuration error: %w", err))
	}

	logger := a.newLogger(cfg)
	runID := uuid.NewString()
	fc := cfg.Fetch

	if err := store.CheckWritable(fc.StorePath); err != nil {
		logger.Error("store_not_writable", "path", fc.StorePath, "error", err)
		return exitWith(exitStartup, err)
	}
	st, err := store.Open(fc.StorePath, logging.ForRun(logger, "store", runID))
	if err != nil {
		logger.Error("store_open_failed", "path", fc.StorePath, "error", err)
		return exitWith(exitStartup, err)
	}

	collector := metrics.NewCollector(metrics.CollectorConfig{
		Version: version,
		RunID:   runID,
		Mode:    "fetch",
	})
	collector.SetHighestBatch(st.Highest())
	st.SaveHook = collector.StoreSaved

	logger.Info("starting",
		"version", version,
		"command", "fetch",
		"run_id", runID,
		"endpoint", fc.Endpoint,
		"store", fc.StorePath,
		"next_batch", st.Next(),
		"max_batches", fc.MaxBatches,
	)

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(metrics.ServerConfig{
			Addr:      cfg.Metrics.Addr,
			Collector: collector,
			Logger:    logger,
			Status: func() any {
				return map[string]any{
					"run_id":      runID,
					"next_batch":  st.Next(),
					"batch_count": st.Len(),
				}
			},
		})
		if err := srv.Start(); err != nil {
			return exitWith(exitStartup, fmt.Errorf("failed to start metrics server: %w", err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	client := fetcher.NewRPCClient(fetcher.RPCClientConfig{
		Endpoint:  fc.Endpoint,
		Method:    fc.Method,
		Timeout:   fc.RequestTimeout,
		RateLimit: fc.RateLimit,
	})

	f := fetcher.New(client, st, fetcher.Config{
		MaxRetries: fc.MaxRetries,
		RetryDelay: fc.RetryDelay,
		PollDelay:  fc.PollDelay,
		MaxBatches: fc.MaxBatches,
		Backoff: backoff.Config{
			Initial:    fc.RetryDelay,
			Max:        fc.BackoffMax,
			Multiplier: fc.BackoffMultiplier,
			JitterPct:  fc.BackoffJitter,
		},
		Seed: time.Now().UnixNano(),
	},
		fetcher.WithLogger(logger),
		fetcher.WithRunID(runID),
		fetcher.WithHooks(fetchHooks(collector)),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, runErr := f.Run(ctx)

	report := stats.FetchReport{Summary: summary, StorePath: fc.StorePath}
	var result error
	switch {
	case runErr == nil:
		report.Outcome = "max_batches"
		report.ExitCode = exitOK
	case errors.Is(runErr, fetcher.ErrRetriesExhausted):
		report.Outcome = "exhausted"
		report.ExitCode = fc.ExhaustedExitCode
		result = exitWith(fc.ExhaustedExitCode, nil)
	case errors.Is(runErr, context.Canceled):
		report.Outcome = "interrupted"
		report.ExitCode = exitInterrupt
		result = exitWith(exitInterrupt, nil)
	default:
		report.Outcome = "error"
		report.Error = runErr.Error()
		report.ExitCode = exitFailure
		result = exitWith(exitFailure, runErr)
	}

	fmt.Fprint(a.stdout, stats.FormatFetchSummary(report))
	writeMetricsDump(logger, collector, cfg.Metrics.DumpPath)
	return result
}

// fetchHooks feeds fetcher events into the collector.
func fetchHooks(c *metrics.Collector) fetcher.Hooks {
	return fetcher.Hooks{
		OnAttempt: func(_ int64, outcome string, latency time.Duration) {
			c.FetchAttempt(outcome, latency)
		},
		OnStored: func(batch int64) {
			c.BatchStored(batch)
		},
		OnRetry: func(_ int64, _ int, _ time.Duration) {
			c.FetchRetry()
		},
	}
}

func writeMetricsDump(logger *slog.Logger, c *metrics.Collector, path string) {
	if path == "" {
		return
	}
	var buf bytes.Buffer
	if err := c.WriteSnapshot(&buf); err != nil {
		logger.Warn("metrics_dump_failed", "error", err)
		return
	}
	if err := store.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		logger.Warn("metrics_dump_failed", "path", path, "error", err)
		return
	}
	logger.Info("metrics_dump_written", "path", path)
}
