// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-validium-demo/internal/process"
)

// minFileDescriptors covers two process pipes, log files, the store and the
// metrics listener with plenty of headroom.
const minFileDescriptors = 64

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll checks.
type Options struct {
	Commands     []process.Command // each must resolve to an executable
	WritableDirs []string          // each must exist or be creatable, and be writable
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, len(opts.Commands)+len(opts.WritableDirs)+1),
		Passed: true,
	}

	for _, cmd := range opts.Commands {
		result.add(CheckCommand(cmd))
	}
	for _, dir := range opts.WritableDirs {
		result.add(CheckDirWritable(dir))
	}
	result.add(checkFileDescriptors())

	return result
}

// CheckCommand verifies the command's program resolves through PATH and its
// working directory exists.
func CheckCommand(cmd process.Command) Check {
	name := "command:" + cmd.Name()

	if cmd.Dir != "" {
		info, err := os.Stat(cmd.Dir)
		if err != nil || !info.IsDir() {
			return Check{
				Name:    name,
				Passed:  false,
				Message: fmt.Sprintf("working directory %s not found", cmd.Dir),
			}
		}
	}

	// Relative paths with a separator are resolved against the working dir,
	// the same way exec does once Dir is set.
	path := cmd.Path
	if cmd.Dir != "" && strings.Contains(path, string(os.PathSeparator)) && !filepath.IsAbs(path) {
		path = filepath.Join(cmd.Dir, path)
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s not found: %v", cmd.Path, err),
		}
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s", resolved),
	}
}

// CheckDirWritable verifies dir exists (creating it if needed) and accepts
// new files.
func CheckDirWritable(dir string) Check {
	name := "writable:" + dir

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: name, Passed: false, Message: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: name, Passed: false, Message: err.Error()}
	}
	tmp := f.Name()
	f.Close()
	os.Remove(tmp)

	return Check{Name: name, Passed: true, Message: "ok"}
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: "unable to check: " + err.Error(),
		}
	}

	actual := int(limit.Cur)
	if limit.Cur > uint64(1<<31-1) {
		actual = 1<<31 - 1
	}

	return Check{
		Name:     "file_descriptors",
		Required: minFileDescriptors,
		Actual:   actual,
		Passed:   actual >= minFileDescriptors,
		Message:  fmt.Sprintf("ulimit -n %d (need %d)", actual, minFileDescriptors),
	}
}

// PrintResults prints the preflight check results.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// Err summarizes the failed checks, or returns nil when all passed.
func (r *Result) Err() error {
	if r.Passed {
		return nil
	}
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(failed, ", "))
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 1024 (or edit /etc/security/limits.conf)"
	case strings.HasPrefix(name, "command:"):
		return "install the program or set its path in the config file"
	case strings.HasPrefix(name, "writable:"):
		return "check directory permissions or choose another path"
	default:
		return "see documentation"
	}
}
