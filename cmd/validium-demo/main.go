// Package main provides the validium-demo CLI entry point.
//
// validium-demo runs a local validium server, launches the example workload
// once the server reports ready, and archives batch pubdata from the
// server's JSON-RPC endpoint into a local JSON store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randomizedcoder/go-validium-demo/internal/config"
	"github.com/randomizedcoder/go-validium-demo/internal/logging"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/validium-demo
var version = "dev"

// Exit codes shared by the commands.
const (
	exitOK        = 0
	exitFailure   = 1
	exitStartup   = 2
	exitInterrupt = 130
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error // printed to stderr when non-nil
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitWith(code int, err error) error {
	if code == exitOK && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}

	// Flag and argument errors from cobra.
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitStartup
}

// app holds state shared by the subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		v:      config.NewViper(),
		stdout: stdout,
		stderr: stderr,
	}

	root := &cobra.Command{
		Use:   "validium-demo",
		Short: "Run the validium demo and archive batch pubdata",
		Long: `validium-demo drives the validium mode example end to end.

  run     start the server, wait for its ready marker, then launch the workload
  fetch   poll the server for batch pubdata and persist it to a JSON store

Every setting can also come from a YAML file (--config) or a DEMO_ environment
variable, e.g. DEMO_FETCH_ENDPOINT or DEMO_FETCH_STORE_PATH.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "YAML config file")
	mustRegister(config.RegisterFlags(root.PersistentFlags(), a.v, config.CommonFlags))

	root.AddCommand(
		a.newRunCmd(),
		a.newFetchCmd(),
		a.newConfigCmd(),
		a.newVersionCmd(),
	)
	return root
}

// mustRegister panics on a flag definition error, which is a programming
// error in the binding tables.
func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// load returns the merged configuration.
func (a *app) load() (*config.Config, error) {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg and installs it as default.
func (a *app) newLogger(cfg *config.Config) *slog.Logger {
	logger := logging.New(logging.Options{
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Verbose: cfg.Log.Verbose,
		Writer:  a.stderr,
	})
	logging.SetDefault(logger)
	return logger
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "validium-demo %s\n", version)
		},
	}
}

func (a *app) newConfigCmd() *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return exitWith(exitStartup, err)
			}
			if validate {
				if err := config.Validate(cfg); err != nil {
					return exitWith(exitStartup, fmt.Errorf("configuration error: %w", err))
				}
			}
			out, err := config.Dump(cfg)
			if err != nil {
				return exitWith(exitFailure, err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "fail if the configuration is invalid")
	return cmd
}
