package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/randomizedcoder/go-validium-demo/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the whole configuration.
// Returns nil if valid, or every problem joined with errors.Join.
func Validate(cfg *Config) error {
	errs := validateCommon(cfg)
	errs = append(errs, validateRun(cfg)...)
	errs = append(errs, validateFetch(cfg)...)
	return errors.Join(errs...)
}

// ValidateRun checks what the run command needs.
func ValidateRun(cfg *Config) error {
	return errors.Join(append(validateCommon(cfg), validateRun(cfg)...)...)
}

// ValidateFetch checks what the fetch command needs.
func ValidateFetch(cfg *Config) error {
	return errors.Join(append(validateCommon(cfg), validateFetch(cfg)...)...)
}

func validateCommon(cfg *Config) []error {
	var errs []error

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("must be json or text (got %q)", cfg.Log.Format),
		})
	}

	if !logging.ValidLevel(cfg.Log.Level) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.Log.Level),
		})
	}

	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.addr",
				Message: err.Error(),
			})
		}
	}

	return errs
}

func validateRun(cfg *Config) []error {
	var errs []error

	for _, p := range []struct {
		name string
		pc   ProcessConfig
	}{
		{"server", cfg.Server},
		{"workload", cfg.Workload},
	} {
		if err := p.pc.Command.Validate(); err != nil {
			errs = append(errs, ValidationError{
				Field:   p.name + ".command",
				Message: err.Error(),
			})
		}
		if strings.ContainsAny(p.pc.Command.Label, `/\`) {
			errs = append(errs, ValidationError{
				Field:   p.name + ".command.label",
				Message: "must not contain path separators",
			})
		}
	}

	if cfg.Server.Command.Label != "" && cfg.Server.Command.Label == cfg.Workload.Command.Label {
		errs = append(errs, ValidationError{
			Field:   "workload.command.label",
			Message: "must differ from server.command.label",
		})
	}

	// Without a ready marker the workload could never launch.
	if !cfg.Server.Rules.HasReadyMarker() {
		errs = append(errs, ValidationError{
			Field:   "server.rules.ready_marker",
			Message: "is required",
		})
	}

	if cfg.Run.ReadyTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "run.ready_timeout",
			Message: "must not be negative",
		})
	}
	if cfg.Run.StopTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "run.stop_timeout",
			Message: "must be positive",
		})
	}

	return errs
}

func validateFetch(cfg *Config) []error {
	var errs []error
	f := cfg.Fetch

	if err := validateURL(f.Endpoint); err != nil {
		errs = append(errs, ValidationError{
			Field:   "fetch.endpoint",
			Message: err.Error(),
		})
	}

	if strings.TrimSpace(f.Method) == "" {
		errs = append(errs, ValidationError{
			Field:   "fetch.method",
			Message: "is required",
		})
	}

	if strings.TrimSpace(f.StorePath) == "" {
		errs = append(errs, ValidationError{
			Field:   "fetch.store_path",
			Message: "is required",
		})
	}

	if f.MaxRetries < 1 {
		errs = append(errs, ValidationError{
			Field:   "fetch.max_retries",
			Message: "must be at least 1",
		})
	}

	if f.RetryDelay < 0 {
		errs = append(errs, ValidationError{Field: "fetch.retry_delay", Message: "must not be negative"})
	}
	if f.PollDelay < 0 {
		errs = append(errs, ValidationError{Field: "fetch.poll_delay", Message: "must not be negative"})
	}
	if f.RequestTimeout < 0 {
		errs = append(errs, ValidationError{Field: "fetch.request_timeout", Message: "must not be negative"})
	}
	if f.RateLimit < 0 {
		errs = append(errs, ValidationError{Field: "fetch.rate_limit", Message: "must not be negative"})
	}
	if f.MaxBatches < 0 {
		errs = append(errs, ValidationError{Field: "fetch.max_batches", Message: "must not be negative"})
	}

	if f.ExhaustedExitCode < 0 || f.ExhaustedExitCode > 255 {
		errs = append(errs, ValidationError{
			Field:   "fetch.exhausted_exit_code",
			Message: fmt.Sprintf("must be between 0 and 255 (got %d)", f.ExhaustedExitCode),
		})
	}

	if f.BackoffMultiplier < 0 {
		errs = append(errs, ValidationError{Field: "fetch.backoff_multiplier", Message: "must not be negative"})
	}
	if f.BackoffMax < 0 {
		errs = append(errs, ValidationError{Field: "fetch.backoff_max", Message: "must not be negative"})
	}
	if f.BackoffMax > 0 && f.BackoffMax < f.RetryDelay {
		errs = append(errs, ValidationError{
			Field:   "fetch.backoff_max",
			Message: "must be >= fetch.retry_delay",
		})
	}
	if f.BackoffJitter < 0 || f.BackoffJitter > 1 {
		errs = append(errs, ValidationError{
			Field:   "fetch.backoff_jitter",
			Message: "must be between 0 and 1",
		})
	}

	return errs
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("is required")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	return nil
}
