// Package fetcher polls an RPC endpoint for sequentially numbered batches
// and appends each one to a durable store.
//
// The loop never skips a batch number: it only advances after the batch has
// been persisted, so restarting from the store resumes exactly where the
// previous run stopped.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-validium-demo/internal/backoff"
	"github.com/randomizedcoder/go-validium-demo/internal/logging"
)

// ErrRetriesExhausted is the loop's normal terminal outcome: the same batch
// came back empty or failed MaxRetries times in a row.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Outcome labels for one fetch attempt.
const (
	OutcomeSuccess        = "success"
	OutcomeEmpty          = "empty"
	OutcomeTransportError = "transport_error"
)

// Store is the persistence the loop needs.
type Store interface {
	Next() int64
	Append(n int64, payload json.RawMessage) error
}

// Hooks are optional observers, typically metrics.
type Hooks struct {
	// OnAttempt is called after every completed fetch attempt.
	OnAttempt func(batch int64, outcome string, latency time.Duration)

	// OnStored is called after a batch has been persisted.
	OnStored func(batch int64)

	// OnRetry is called before waiting to retry a batch.
	OnRetry func(batch int64, attempt int, delay time.Duration)
}

// Config holds the loop's pacing and limits.
type Config struct {
	MaxRetries int           // consecutive non-successes before stopping
	RetryDelay time.Duration // wait before retrying the same batch
	PollDelay  time.Duration // wait after a success before the next batch
	MaxBatches int64         // stop after this many successes (0 = unbounded)

	// Backoff overrides the retry pacing. When Initial is zero every retry
	// waits RetryDelay.
	Backoff backoff.Config
	Seed    int64
}

// Summary describes one run of the loop.
type Summary struct {
	RunID           string
	StartBatch      int64
	NextBatch       int64
	Fetched         int64
	Attempts        int64
	EmptyResults    int64
	TransportErrors int64
	Exhausted       bool
	Duration        time.Duration

	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Fetcher runs the fetch-and-persist loop.
type Fetcher struct {
	client  Client
	store   Store
	cfg     Config
	runID   string
	logger  *slog.Logger
	hooks   Hooks
	sleep   SleepFunc
	latency *LatencyTracker
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithHooks sets the observers.
func WithHooks(h Hooks) Option {
	return func(f *Fetcher) { f.hooks = h }
}

// WithSleep replaces the wait function. Tests use it to skip real delays.
func WithSleep(s SleepFunc) Option {
	return func(f *Fetcher) {
		if s != nil {
			f.sleep = s
		}
	}
}

// WithRunID stamps the run ID on the summary and log records.
func WithRunID(id string) Option {
	return func(f *Fetcher) { f.runID = id }
}

// New creates a Fetcher.
func New(client Client, st Store, cfg Config, opts ...Option) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.Config{
			Initial:    cfg.RetryDelay,
			Max:        cfg.RetryDelay,
			Multiplier: 1.0,
		}
	}

	f := &Fetcher{
		client:  client,
		store:   st,
		cfg:     cfg,
		logger:  logging.Discard(),
		sleep:   sleepContext,
		latency: NewLatencyTracker(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.runID != "" {
		f.logger = f.logger.With("run_id", f.runID)
	}
	return f
}

// Run loops until retries are exhausted, MaxBatches successes have been
// stored, ctx is cancelled or the store fails to persist.
//
// Exhaustion returns ErrRetriesExhausted; cancellation returns ctx.Err().
// The summary is valid in every case.
func (f *Fetcher) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	next := f.store.Next()
	summary := Summary{
		RunID:      f.runID,
		StartBatch: next,
		NextBatch:  next,
	}
	bo := backoff.New(f.cfg.Seed, f.cfg.Backoff)
	failures := 0

	f.logger.Info("fetch_loop_starting",
		"start_batch", next,
		"max_retries", f.cfg.MaxRetries,
		"retry_delay", f.cfg.RetryDelay.String(),
		"poll_delay", f.cfg.PollDelay.String(),
	)

	finish := func(err error) (Summary, error) {
		summary.NextBatch = next
		summary.Duration = time.Since(started)
		summary.LatencyP50, summary.LatencyP95, summary.LatencyP99, summary.LatencyMax = f.latency.Percentiles()
		summary.Exhausted = errors.Is(err, ErrRetriesExhausted)
		return summary, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		attemptStart := time.Now()
		payload, err := f.client.FetchBatch(ctx, next)
		elapsed := time.Since(attemptStart)

		if err != nil && ctx.Err() != nil {
			return finish(ctx.Err())
		}

		summary.Attempts++
		f.latency.Record(elapsed)

		if err == nil {
			if f.hooks.OnAttempt != nil {
				f.hooks.OnAttempt(next, OutcomeSuccess, elapsed)
			}
			if err := f.store.Append(next, payload); err != nil {
				f.logger.Error("batch_persist_failed", "batch", next, "error", err)
				return finish(fmt.Errorf("persist batch %d: %w", next, err))
			}

			f.logger.Info("batch_stored",
				"batch", next,
				"bytes", len(payload),
				"latency", elapsed.String(),
			)
			if f.hooks.OnStored != nil {
				f.hooks.OnStored(next)
			}

			summary.Fetched++
			failures = 0
			bo.Reset()
			next++

			if f.cfg.MaxBatches > 0 && summary.Fetched >= f.cfg.MaxBatches {
				f.logger.Info("fetch_loop_max_batches", "fetched", summary.Fetched)
				return finish(nil)
			}
			if err := f.sleep(ctx, f.cfg.PollDelay); err != nil {
				return finish(err)
			}
			continue
		}

		var transportErr *TransportError
		switch {
		case errors.Is(err, ErrFetchEmpty):
			summary.EmptyResults++
			if f.hooks.OnAttempt != nil {
				f.hooks.OnAttempt(next, OutcomeEmpty, elapsed)
			}
			f.logger.Info("batch_not_ready",
				"batch", next,
				"attempt", failures+1,
			)
		case errors.As(err, &transportErr):
			summary.TransportErrors++
			if f.hooks.OnAttempt != nil {
				f.hooks.OnAttempt(next, OutcomeTransportError, elapsed)
			}
			f.logger.Warn("batch_fetch_failed",
				"batch", next,
				"attempt", failures+1,
				"status", transportErr.Status,
				"error", transportErr.Err,
			)
		default:
			// Client implementations outside this package may return bare
			// errors; they are treated like transport failures.
			summary.TransportErrors++
			if f.hooks.OnAttempt != nil {
				f.hooks.OnAttempt(next, OutcomeTransportError, elapsed)
			}
			f.logger.Warn("batch_fetch_failed",
				"batch", next,
				"attempt", failures+1,
				"error", err,
			)
		}

		failures++
		if failures >= f.cfg.MaxRetries {
			f.logger.Warn("fetch_retries_exhausted",
				"batch", next,
				"attempts", failures,
				"fetched", summary.Fetched,
			)
			return finish(ErrRetriesExhausted)
		}

		delay := bo.Next()
		if f.hooks.OnRetry != nil {
			f.hooks.OnRetry(next, failures, delay)
		}
		f.logger.Debug("batch_retry_scheduled",
			"batch", next,
			"attempt", failures,
			"delay", delay.String(),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return finish(err)
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
