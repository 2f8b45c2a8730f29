// Package process describes the external commands the demo launches.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner creates executable commands.
// This interface allows the supervisor to be process-agnostic.
type Runner interface {
	// Build returns a ready-to-start command. It must not be started yet.
	Build(ctx context.Context) (*exec.Cmd, error)

	// Name returns a human-readable label for the process.
	Name() string

	// PTY reports whether the command should be attached to a pseudo-terminal.
	PTY() bool
}

// Command is a command line plus how to run it.
type Command struct {
	// Label identifies the process in logs and metrics ("server", "workload").
	Label string `mapstructure:"label" yaml:"label" json:"label"`

	// Path is the program name or path, resolved through PATH.
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	// Args are passed in order.
	Args []string `mapstructure:"args" yaml:"args" json:"args"`

	// Dir is the working directory (empty = current).
	Dir string `mapstructure:"dir" yaml:"dir,omitempty" json:"dir,omitempty"`

	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string `mapstructure:"env" yaml:"env,omitempty" json:"env,omitempty"`

	// UsePTY runs the command under a pseudo-terminal. Build tools switch to
	// line buffering and progress output when they see a terminal.
	UsePTY bool `mapstructure:"use_pty" yaml:"use_pty" json:"use_pty"`
}

// Validate checks that the command can be built.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("command path is empty")
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// Build implements Runner.
func (c Command) Build(ctx context.Context) (*exec.Cmd, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd, nil
}

// Name implements Runner.
func (c Command) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Path
}

// PTY implements Runner.
func (c Command) PTY() bool {
	return c.UsePTY
}

// String returns the command line as it could be pasted into a shell.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Path))
	for _, a := range c.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s when it contains anything a POSIX shell would
// interpret.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Runner = Command{}
