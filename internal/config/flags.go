package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagBinding ties a command-line flag to a config key.
type flagBinding struct {
	key   string
	flag  string
	usage string
}

var (
	// CommonFlags apply to every command.
	CommonFlags = []flagBinding{
		{"log.format", "log-format", "log format: json or text"},
		{"log.level", "log-level", "log level: debug, info, warn, error"},
		{"log.verbose", "verbose", "debug logging with source locations"},
		{"metrics.addr", "metrics", "serve Prometheus metrics on this address (empty = off)"},
		{"metrics.dump_path", "metrics-dump", "write a metrics snapshot to this file at exit"},
	}

	// RunFlags apply to the run command.
	RunFlags = []flagBinding{
		{"log.dir", "log-dir", "write raw per-process output to <dir>/<label>.log"},
		{"run.ready_timeout", "ready-timeout", "give up if the server is not ready in time (0 = wait forever)"},
		{"run.stop_server_after_workload", "stop-server-after-workload", "stop the server once the workload exits"},
		{"run.stop_timeout", "stop-timeout", "grace period between SIGTERM and SIGKILL"},
		{"run.skip_preflight", "skip-preflight", "skip preflight checks"},
		{"server.command.use_pty", "server-pty", "run the server under a pseudo-terminal"},
		{"workload.command.use_pty", "workload-pty", "run the workload under a pseudo-terminal"},
	}

	// FetchFlags apply to the fetch command.
	FetchFlags = []flagBinding{
		{"fetch.endpoint", "endpoint", "JSON-RPC endpoint URL"},
		{"fetch.store_path", "store", "batch store document path"},
		{"fetch.max_retries", "max-retries", "consecutive empty or failed fetches before stopping"},
		{"fetch.retry_delay", "retry-delay", "wait before retrying the same batch"},
		{"fetch.poll_delay", "poll-delay", "wait after a stored batch"},
		{"fetch.max_batches", "max-batches", "stop after this many batches (0 = unbounded)"},
		{"fetch.rate_limit", "rate-limit", "maximum RPC requests per second (0 = unlimited)"},
		{"fetch.exhausted_exit_code", "exhausted-exit-code", "exit code when retries are exhausted"},
	}
)

// RegisterFlags defines the bindings on fs, using defaults from
// DefaultConfig, and binds each flag to its key in v.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper, bindings []flagBinding) error {
	defaults := DefaultConfig()
	for _, b := range bindings {
		if err := defineFlag(fs, b, defaults); err != nil {
			return err
		}
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
	}
	return nil
}

// defineFlag picks the flag type from the default value at b.key.
func defineFlag(fs *pflag.FlagSet, b flagBinding, defaults *Config) error {
	def, ok := lookupDefault(defaults, b.key)
	if !ok {
		return fmt.Errorf("flag %s: unknown config key %q", b.flag, b.key)
	}
	switch d := def.(type) {
	case string:
		fs.String(b.flag, d, b.usage)
	case bool:
		fs.Bool(b.flag, d, b.usage)
	case int:
		fs.Int(b.flag, d, b.usage)
	case int64:
		fs.Int64(b.flag, d, b.usage)
	case float64:
		fs.Float64(b.flag, d, b.usage)
	case time.Duration:
		fs.Duration(b.flag, d, b.usage)
	default:
		return fmt.Errorf("flag %s: unsupported type %T", b.flag, def)
	}
	return nil
}
