package preflight

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-validium-demo/internal/process"
)

func TestCheck_String(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  []string
	}{
		{
			name:  "passed with message",
			check: Check{Name: "command:server", Passed: true, Message: "found at /usr/bin/make"},
			want:  []string{"✓", "command:server", "found at /usr/bin/make"},
		},
		{
			name:  "failed",
			check: Check{Name: "writable:/x", Passed: false, Message: "permission denied"},
			want:  []string{"✗", "permission denied"},
		},
		{
			name:  "warning",
			check: Check{Name: "file_descriptors", Passed: true, Warning: true, Message: "unable to check"},
			want:  []string{"⚠"},
		},
		{
			name:  "with required",
			check: Check{Name: "file_descriptors", Passed: true, Required: 64, Actual: 1024},
			want:  []string{"1024 available", "need 64"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.check.String()
			for _, w := range tt.want {
				if !strings.Contains(s, w) {
					t.Errorf("String() = %q, missing %q", s, w)
				}
			}
		})
	}
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name   string
		cmd    process.Command
		passed bool
	}{
		{"on PATH", process.Command{Label: "server", Path: "sh"}, true},
		{"missing", process.Command{Label: "server", Path: "no-such-binary-here-xyz"}, false},
		{"missing dir", process.Command{Label: "server", Path: "sh", Dir: "/no/such/dir"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CheckCommand(tt.cmd)
			if c.Passed != tt.passed {
				t.Errorf("Passed = %v, want %v (%s)", c.Passed, tt.passed, c.Message)
			}
			if c.Name != "command:server" {
				t.Errorf("Name = %q", c.Name)
			}
		})
	}
}

func TestCheckCommand_RelativeToDir(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := CheckCommand(process.Command{Label: "w", Path: "./run.sh", Dir: dir})
	if !c.Passed {
		t.Errorf("relative script in Dir should resolve: %s", c.Message)
	}
}

func TestCheckDirWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if c := CheckDirWritable(dir); !c.Passed {
		t.Errorf("fresh nested dir should pass: %s", c.Message)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("dir not created: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestCheckDirWritable_ReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	if c := CheckDirWritable(dir); c.Passed {
		t.Error("read-only dir should fail")
	}
}

func TestRunAll(t *testing.T) {
	result := RunAll(Options{
		Commands:     []process.Command{{Label: "server", Path: "sh"}},
		WritableDirs: []string{t.TempDir()},
	})
	if len(result.Checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(result.Checks))
	}
	if !result.Passed {
		t.Errorf("expected pass: %v", result.Err())
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v, want nil", result.Err())
	}
}

func TestResult_Passed(t *testing.T) {
	result := RunAll(Options{
		Commands: []process.Command{
			{Label: "server", Path: "sh"},
			{Label: "workload", Path: "no-such-binary-here-xyz"},
		},
	})
	if result.Passed {
		t.Error("one failed check should fail the result")
	}
	err := result.Err()
	if err == nil || !strings.Contains(err.Error(), "command:workload") {
		t.Errorf("Err() = %v", err)
	}
	if strings.Contains(err.Error(), "command:server") {
		t.Error("passing checks should not be listed")
	}
}

func TestSuggestFix(t *testing.T) {
	tests := map[string]string{
		"file_descriptors": "ulimit",
		"command:server":   "install",
		"writable:/tmp/x":  "permissions",
		"other":            "documentation",
	}
	for name, want := range tests {
		if got := suggestFix(name); !strings.Contains(got, want) {
			t.Errorf("suggestFix(%q) = %q, want it to mention %q", name, got, want)
		}
	}
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	PrintResults(&buf, &Result{
		Checks: []Check{
			{Name: "command:server", Passed: true, Message: "found"},
			{Name: "command:workload", Passed: false, Message: "missing"},
		},
	})
	out := buf.String()
	for _, want := range []string{"Preflight checks:", "✓ command:server", "✗ command:workload", "Fix: install"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
