package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-validium-demo/internal/classifier"
	"github.com/randomizedcoder/go-validium-demo/internal/config"
	"github.com/randomizedcoder/go-validium-demo/internal/metrics"
	"github.com/randomizedcoder/go-validium-demo/internal/process"
	"github.com/randomizedcoder/go-validium-demo/internal/supervisor"
)

// =============================================================================
// Helpers
// =============================================================================

func shell(label, script string) process.Command {
	return process.Command{Label: label, Path: "sh", Args: []string{"-c", script}}
}

// testConfig returns a config whose server prints READY when ready.
func testConfig(serverScript, workloadScript string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server = config.ProcessConfig{
		Command: shell("server", serverScript),
		Rules:   classifier.Rules{PrefixMarker: ">", ReadyMarker: "READY"},
	}
	cfg.Workload = config.ProcessConfig{
		Command: shell("workload", workloadScript),
		Rules:   classifier.Rules{PrefixMarker: "Running"},
	}
	cfg.Run.SkipPreflight = true
	cfg.Run.StopTimeout = 2 * time.Second
	return cfg
}

func newTestOrchestrator(cfg *config.Config) (*Orchestrator, *bytes.Buffer) {
	var out bytes.Buffer
	o := New(Config{
		Config:    cfg,
		RunID:     "test-run",
		Collector: metrics.NewCollector(metrics.CollectorConfig{RunID: "test-run", Mode: "run"}),
		Out:       &out,
	})
	return o, &out
}

func runWithTimeout(t *testing.T, o *Orchestrator) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return o.Run(ctx)
}

// =============================================================================
// Tests: ready-gated launch
// =============================================================================

func TestRun_LaunchesWorkloadAfterReady(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "workload-ran")

	cfg := testConfig(
		"echo '> booting'; echo 'READY'; sleep 30",
		"echo 'Running example'; touch "+marker,
	)
	cfg.Run.StopServerAfterWorkload = true

	o, out := newTestOrchestrator(cfg)
	res, err := runWithTimeout(t, o)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !res.Ready || !res.WorkloadLaunched {
		t.Fatalf("Ready=%v WorkloadLaunched=%v, want both true", res.Ready, res.WorkloadLaunched)
	}
	if res.WorkloadExit != 0 {
		t.Errorf("WorkloadExit = %d, want 0", res.WorkloadExit)
	}
	if res.ServerExit != 143 {
		t.Errorf("ServerExit = %d, want 143 (stopped after workload)", res.ServerExit)
	}
	if res.LaunchedAt.Before(res.ReadyAt) {
		t.Error("workload launched before the server was ready")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("workload did not run: %v", err)
	}
	if res.RunID != "test-run" {
		t.Errorf("RunID = %q", res.RunID)
	}
	if !strings.Contains(out.String(), "validium-demo Run Summary") {
		t.Errorf("summary not printed:\n%s", out.String())
	}
	if got, _ := o.Metrics().CounterTotal("validium_demo_process_starts_total"); got != 2 {
		t.Errorf("process_starts_total = %v, want 2", got)
	}
}

func TestRun_ServerKeepsRunningWithoutStopAfterWorkload(t *testing.T) {
	cfg := testConfig(
		"echo READY; sleep 0.5; exit 0",
		"exit 4",
	)

	o, _ := newTestOrchestrator(cfg)
	res, err := runWithTimeout(t, o)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ServerExit != 0 {
		t.Errorf("ServerExit = %d, want 0", res.ServerExit)
	}
	if res.WorkloadExit != 4 {
		t.Errorf("WorkloadExit = %d, want 4", res.WorkloadExit)
	}
}

func TestRun_ServerExitsBeforeReady(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "workload-ran")

	cfg := testConfig(
		"echo 'compiling'; echo 'error: build failed'; exit 3",
		"touch "+marker,
	)

	o, out := newTestOrchestrator(cfg)
	res, err := runWithTimeout(t, o)
	if !errors.Is(err, ErrNeverReady) {
		t.Fatalf("Run() error = %v, want ErrNeverReady", err)
	}
	if res.Ready || res.WorkloadLaunched {
		t.Errorf("Ready=%v WorkloadLaunched=%v, want both false", res.Ready, res.WorkloadLaunched)
	}
	if res.ServerExit != 3 {
		t.Errorf("ServerExit = %d, want 3", res.ServerExit)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("workload ran although the server never became ready")
	}
	summary := out.String()
	if !strings.Contains(summary, "| error: build failed") {
		t.Errorf("summary should show the server's last output:\n%s", summary)
	}
	if !strings.Contains(summary, "Not launched") {
		t.Errorf("summary should show the workload was not launched:\n%s", summary)
	}
}

func TestRun_ReadyTimeout(t *testing.T) {
	cfg := testConfig("echo waiting; sleep 30", "exit 0")
	cfg.Run.ReadyTimeout = 200 * time.Millisecond

	o, _ := newTestOrchestrator(cfg)
	start := time.Now()
	res, err := runWithTimeout(t, o)
	if !errors.Is(err, ErrNeverReady) {
		t.Fatalf("Run() error = %v, want ErrNeverReady", err)
	}
	if res.WorkloadLaunched {
		t.Error("workload launched after a ready timeout")
	}
	if res.ServerExit != 143 {
		t.Errorf("ServerExit = %d, want 143", res.ServerExit)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run took %v, server was not stopped", elapsed)
	}
}

func TestRun_ReadyMarkerOnLastLine(t *testing.T) {
	cfg := testConfig("echo READY", "exit 0")

	o, _ := newTestOrchestrator(cfg)
	res, err := runWithTimeout(t, o)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.WorkloadLaunched {
		t.Error("ready marker as the final line should still launch the workload")
	}
}

// =============================================================================
// Tests: launch errors
// =============================================================================

func TestRun_WorkloadLaunchError(t *testing.T) {
	cfg := testConfig("echo READY; sleep 0.3; exit 0", "")
	cfg.Workload.Command = process.Command{Label: "workload", Path: "/nonexistent/validium_mode_example"}

	o, out := newTestOrchestrator(cfg)
	res, err := runWithTimeout(t, o)

	var launchErr *supervisor.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Run() error = %v, want *LaunchError", err)
	}
	if launchErr.Label != "workload" {
		t.Errorf("LaunchError.Label = %q, want workload", launchErr.Label)
	}
	if res.ServerExit != 0 {
		t.Errorf("ServerExit = %d, want 0 (server unaffected)", res.ServerExit)
	}
	if res.WorkloadExit != -1 {
		t.Errorf("WorkloadExit = %d, want -1", res.WorkloadExit)
	}
	if !strings.Contains(out.String(), "Launch failed:") {
		t.Errorf("summary missing launch failure:\n%s", out.String())
	}
	if got, _ := o.Metrics().CounterTotal("validium_demo_process_launch_failures_total"); got != 1 {
		t.Errorf("launch_failures_total = %v, want 1", got)
	}
}

func TestRun_ServerLaunchError(t *testing.T) {
	cfg := testConfig("", "exit 0")
	cfg.Server.Command = process.Command{Label: "server", Path: "/nonexistent/make"}

	o, _ := newTestOrchestrator(cfg)
	res, err := runWithTimeout(t, o)

	var launchErr *supervisor.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Run() error = %v, want *LaunchError", err)
	}
	if res.ServerExit != -1 || res.WorkloadLaunched {
		t.Errorf("ServerExit=%d WorkloadLaunched=%v", res.ServerExit, res.WorkloadLaunched)
	}
}

// =============================================================================
// Tests: cancellation
// =============================================================================

func TestRun_ContextCancelStopsServer(t *testing.T) {
	cfg := testConfig("echo booting; sleep 30", "exit 0")

	o, _ := newTestOrchestrator(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil on interrupt", err)
	}
	if !res.Interrupted {
		t.Error("Interrupted = false, want true")
	}
	if res.ServerExit != 143 {
		t.Errorf("ServerExit = %d, want 143", res.ServerExit)
	}
	if res.WorkloadLaunched {
		t.Error("workload launched after cancellation")
	}
}

// =============================================================================
// Tests: outputs
// =============================================================================

func TestRun_WritesProcessLogs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("echo 'plain server line'; echo READY", "echo 'plain workload line'")
	cfg.Log.Dir = filepath.Join(dir, "logs")

	o, out := newTestOrchestrator(cfg)
	if _, err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for label, want := range map[string]string{
		"server":   "plain server line",
		"workload": "plain workload line",
	} {
		data, err := os.ReadFile(filepath.Join(cfg.Log.Dir, label+".log"))
		if err != nil {
			t.Fatalf("read %s log: %v", label, err)
		}
		if !strings.Contains(string(data), want) {
			t.Errorf("%s log = %q, want it to contain %q", label, data, want)
		}
	}
	if !strings.Contains(out.String(), "Process logs:") {
		t.Error("summary should name the log directory")
	}
}

func TestRun_WritesMetricsDump(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("echo READY", "exit 0")
	cfg.Metrics.DumpPath = filepath.Join(dir, "metrics.prom")

	o, _ := newTestOrchestrator(cfg)
	if _, err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(cfg.Metrics.DumpPath)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "validium_demo_workload_launched 1") {
		t.Errorf("dump missing workload_launched:\n%s", data)
	}
}

func TestRun_MetricsServer(t *testing.T) {
	cfg := testConfig("echo READY", "exit 0")
	cfg.Metrics.Addr = "127.0.0.1:0"

	o, out := newTestOrchestrator(cfg)
	if _, err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Metrics endpoint was:   http://127.0.0.1:") {
		t.Errorf("summary missing bound metrics address:\n%s", out.String())
	}
}

func TestRun_PreflightFailure(t *testing.T) {
	cfg := testConfig("echo READY", "exit 0")
	cfg.Run.SkipPreflight = false
	cfg.Workload.Command = process.Command{Label: "workload", Path: "definitely-not-a-real-binary-xyz"}

	o, out := newTestOrchestrator(cfg)
	res, err := runWithTimeout(t, o)
	if err == nil {
		t.Fatal("Run() error = nil, want preflight failure")
	}
	if !strings.Contains(err.Error(), "--skip-preflight") {
		t.Errorf("error = %v, want a hint about --skip-preflight", err)
	}
	if res.ServerExit != -1 {
		t.Errorf("ServerExit = %d, server should not have started", res.ServerExit)
	}
	if !strings.Contains(out.String(), "Preflight checks:") {
		t.Error("preflight results not printed")
	}
}

func TestStatus(t *testing.T) {
	cfg := testConfig("echo READY", "exit 0")
	o, _ := newTestOrchestrator(cfg)
	if _, err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	view, ok := o.status().(map[string]any)
	if !ok {
		t.Fatalf("status() type = %T", o.status())
	}
	if view["ready"] != true {
		t.Errorf("ready = %v, want true", view["ready"])
	}
	server, ok := view["server"].(map[string]any)
	if !ok {
		t.Fatalf("server view missing: %v", view)
	}
	if server["state"] != "terminated" {
		t.Errorf("server state = %v, want terminated", server["state"])
	}
	if server["exit_code"] != 0 {
		t.Errorf("server exit_code = %v, want 0", server["exit_code"])
	}
}
