// Package config provides configuration management for validium-demo.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file and DEMO_-prefixed environment variables. Command-line
// flags are bound on top by the CLI.
package config

import (
	"time"

	"github.com/randomizedcoder/go-validium-demo/internal/classifier"
	"github.com/randomizedcoder/go-validium-demo/internal/process"
)

// Config holds all configuration options.
type Config struct {
	Log      LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
	Server   ProcessConfig `mapstructure:"server" yaml:"server" json:"server"`
	Workload ProcessConfig `mapstructure:"workload" yaml:"workload" json:"workload"`
	Run      RunConfig     `mapstructure:"run" yaml:"run" json:"run"`
	Fetch    FetchConfig   `mapstructure:"fetch" yaml:"fetch" json:"fetch"`
	Metrics  MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Format  string `mapstructure:"format" yaml:"format" json:"format"` // json, text
	Level   string `mapstructure:"level" yaml:"level" json:"level"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Dir receives one raw log file per supervised process (empty = off).
	Dir string `mapstructure:"dir" yaml:"dir" json:"dir"`
}

// ProcessConfig is one supervised process: what to run and which of its
// lines matter.
type ProcessConfig struct {
	Command process.Command  `mapstructure:"command" yaml:"command" json:"command"`
	Rules   classifier.Rules `mapstructure:"rules" yaml:"rules" json:"rules"`
}

// RunConfig controls the server/workload orchestration.
type RunConfig struct {
	// ReadyTimeout bounds the wait for the server's ready marker (0 = none).
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout" json:"ready_timeout"`

	// StopServerAfterWorkload stops the server once the workload exits.
	StopServerAfterWorkload bool `mapstructure:"stop_server_after_workload" yaml:"stop_server_after_workload" json:"stop_server_after_workload"`

	StopTimeout   time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout" json:"stop_timeout"`
	SkipPreflight bool          `mapstructure:"skip_preflight" yaml:"skip_preflight" json:"skip_preflight"`
}

// FetchConfig controls the batch fetcher.
type FetchConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Method         string        `mapstructure:"method" yaml:"method" json:"method"`
	StorePath      string        `mapstructure:"store_path" yaml:"store_path" json:"store_path"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	PollDelay      time.Duration `mapstructure:"poll_delay" yaml:"poll_delay" json:"poll_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"` // requests/s, 0 = unlimited
	MaxBatches     int64         `mapstructure:"max_batches" yaml:"max_batches" json:"max_batches"` // 0 = unbounded

	// ExhaustedExitCode is the process exit code when retries run out.
	ExhaustedExitCode int `mapstructure:"exhausted_exit_code" yaml:"exhausted_exit_code" json:"exhausted_exit_code"`

	// Optional retry growth. The defaults keep every wait at RetryDelay.
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" json:"backoff_max"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter" yaml:"backoff_jitter" json:"backoff_jitter"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`                // empty disables the server
	DumpPath string `mapstructure:"dump_path" yaml:"dump_path" json:"dump_path"` // text snapshot written at exit
}

// DefaultConfig returns a Config with the demo's defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Server: ProcessConfig{
			Command: process.Command{
				Label: "server",
				Path:  "make",
				Args:  []string{"demo_validium_calldata", "-C", "../"},
			},
			Rules: classifier.Rules{
				PrefixMarker: ">",
				ReadyMarker:  "Running `target/release/zksync_server`",
				ContainsAny:  []string{"✔"},
			},
		},
		Workload: ProcessConfig{
			Command: process.Command{
				Label: "workload",
				Path:  "cargo",
				Args:  []string{"run", "--release", "--bin", "validium_mode_example"},
			},
			Rules: classifier.Rules{
				PrefixMarker: "Running",
				ContainsAny:  []string{"Deposit", "Mint", "Deploy", "Transfer"},
			},
		},
		Run: RunConfig{
			StopTimeout: 10 * time.Second,
		},
		Fetch: FetchConfig{
			Endpoint:          "http://localhost:3050",
			Method:            "zks_getBatchPubdata",
			StorePath:         "data/pubdata_storage.json",
			MaxRetries:        3,
			RetryDelay:        60 * time.Second,
			PollDelay:         5 * time.Second,
			RequestTimeout:    30 * time.Second,
			BackoffMultiplier: 1.0,
		},
		Metrics: MetricsConfig{},
	}
}
