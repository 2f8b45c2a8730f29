// Package stats formats the exit summaries printed when a command finishes.
package stats

import (
	"fmt"
	"strings"
	"time"

	"github.com/randomizedcoder/go-validium-demo/internal/fetcher"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// ProcessReport describes one supervised process at exit.
type ProcessReport struct {
	Label       string
	Command     string
	Launched    bool
	ExitCode    int
	Uptime      time.Duration
	Lines       int64
	LaunchError string
	RecentLines []string // shown when the process failed
}

// RunReport is everything the run summary shows.
type RunReport struct {
	RunID       string
	Duration    time.Duration
	Ready       bool
	ReadyAfter  time.Duration
	NeverReady  string // reason, empty when ready
	Server      ProcessReport
	Workload    ProcessReport
	MetricsAddr string
	LogDir      string
}

// FormatRunSummary formats the orchestration result for display at exit.
func FormatRunSummary(r RunReport) string {
	var b strings.Builder

	writeHeader(&b, "validium-demo Run Summary")

	fmt.Fprintf(&b, "Run ID:                 %s\n", r.RunID)
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(r.Duration))
	if r.Ready {
		fmt.Fprintf(&b, "Server Ready After:     %s\n", FormatDuration(r.ReadyAfter))
	} else {
		reason := r.NeverReady
		if reason == "" {
			reason = "ready marker not seen"
		}
		fmt.Fprintf(&b, "Server Ready:           no (%s)\n", reason)
	}
	b.WriteString("\n")

	writeProcess(&b, r.Server)
	writeProcess(&b, r.Workload)

	if r.LogDir != "" {
		fmt.Fprintf(&b, "Process logs:           %s\n", r.LogDir)
	}
	if r.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was:   http://%s/metrics\n", r.MetricsAddr)
	}

	b.WriteString(ruleHeavy)
	return b.String()
}

func writeProcess(b *strings.Builder, p ProcessReport) {
	b.WriteString(ruleLight)
	fmt.Fprintf(b, "  %s\n", p.Label)
	b.WriteString(ruleLight)

	if p.Command != "" {
		fmt.Fprintf(b, "  Command:              %s\n", p.Command)
	}
	switch {
	case p.LaunchError != "":
		fmt.Fprintf(b, "  Launch failed:        %s\n", p.LaunchError)
	case !p.Launched:
		b.WriteString("  Not launched\n")
	default:
		fmt.Fprintf(b, "  Exit Code:            %d %s\n", p.ExitCode, exitCodeLabel(p.ExitCode))
		fmt.Fprintf(b, "  Uptime:               %s\n", FormatDuration(p.Uptime))
		fmt.Fprintf(b, "  Output Lines:         %s\n", FormatNumber(p.Lines))
	}

	if len(p.RecentLines) > 0 && (p.LaunchError != "" || p.ExitCode != 0) {
		b.WriteString("  Last output:\n")
		for _, line := range p.RecentLines {
			fmt.Fprintf(b, "    | %s\n", line)
		}
	}
	b.WriteString("\n")
}

// FetchReport adds context the fetcher summary does not carry.
type FetchReport struct {
	Summary   fetcher.Summary
	StorePath string
	Outcome   string // "exhausted", "max_batches", "interrupted", "error"
	Error     string
	ExitCode  int
}

// FormatFetchSummary formats a fetcher run for display at exit.
func FormatFetchSummary(r FetchReport) string {
	s := r.Summary
	var b strings.Builder

	writeHeader(&b, "validium-demo Fetch Summary")

	if s.RunID != "" {
		fmt.Fprintf(&b, "Run ID:                 %s\n", s.RunID)
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(s.Duration))
	fmt.Fprintf(&b, "Store:                  %s\n", r.StorePath)
	fmt.Fprintf(&b, "Outcome:                %s\n", r.Outcome)
	if r.Error != "" {
		fmt.Fprintf(&b, "Error:                  %s\n", r.Error)
	}
	fmt.Fprintf(&b, "Exit Code:              %d\n\n", r.ExitCode)

	fmt.Fprintf(&b, "Batches Fetched:        %s", FormatNumber(s.Fetched))
	if s.Fetched > 0 {
		fmt.Fprintf(&b, " (%d → %d)", s.StartBatch, s.NextBatch-1)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Next Batch:             %d\n", s.NextBatch)
	fmt.Fprintf(&b, "RPC Attempts:           %s\n", FormatNumber(s.Attempts))
	fmt.Fprintf(&b, "  Empty Results:        %s\n", FormatNumber(s.EmptyResults))
	fmt.Fprintf(&b, "  Transport Errors:     %s\n", FormatNumber(s.TransportErrors))
	if s.Duration > 0 && s.Fetched > 0 {
		fmt.Fprintf(&b, "Batch Rate:             %s\n", FormatRate(float64(s.Fetched)/s.Duration.Seconds()))
	}
	b.WriteString("\n")

	if s.Attempts > 0 {
		b.WriteString("RPC Latency:\n")
		fmt.Fprintf(&b, "  P50:                  %s\n", FormatMs(s.LatencyP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(s.LatencyP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(s.LatencyP99))
		fmt.Fprintf(&b, "  Max:                  %s\n\n", FormatMs(s.LatencyMax))
	}

	b.WriteString(ruleHeavy)
	return b.String()
}

func writeHeader(b *strings.Builder, title string) {
	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	pad := (79 - len([]rune(title))) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleHeavy)
	b.WriteString("\n")
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
