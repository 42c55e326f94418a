// Package stats provides run statistics for go-procsuite.
//
// This file implements the exit summary formatter which displays the
// per-cycle outcome table and every test that did not pass.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/runner"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Threads and Mode describe how the run was executed
	Threads int
	Mode    string

	// Durations holds every reported test duration; nil omits percentiles
	Durations *DurationDigest

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// SnapshotPath is where the metrics snapshot was written
	SnapshotPath string

	// ProcessesStarted and ProcessExits come from the metrics registry
	ProcessesStarted int
	ProcessExits     map[string]int64

	// PeakPorts is the largest number of ports leased at once
	PeakPorts int
}

const (
	heavyRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// FormatExitSummary formats a run report for display at program exit.
//
// The summary includes:
// - Run information
// - Outcome counts per cycle
// - Test duration percentiles
// - Every non-passing test, most severe first
// - Footnotes with diagnostic information
func FormatExitSummary(report *runner.Report, cfg SummaryConfig) string {
	if report == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                           go-procsuite Exit Summary\n")
	b.WriteString(heavyRule + "\n")

	if report.Interrupted {
		b.WriteString("⚠️  RUN INTERRUPTED: not every test was executed\n\n")
	}

	// Run info
	fmt.Fprintf(&b, "Run ID:                 %s\n", report.RunID)
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(report.Duration))
	fmt.Fprintf(&b, "Tests Reported:         %d\n", len(report.Tests))
	fmt.Fprintf(&b, "Cycles:                 %d\n", report.Cycles)
	if cfg.Threads > 0 {
		fmt.Fprintf(&b, "Threads:                %d\n", cfg.Threads)
	}
	if cfg.Mode != "" {
		fmt.Fprintf(&b, "Mode:                   %s\n", cfg.Mode)
	}
	b.WriteString("\n")

	b.WriteString(renderOutcomeTable(report))
	b.WriteString("\n")

	if cfg.Durations != nil && cfg.Durations.Count() > 0 {
		b.WriteString(renderDurations(cfg.Durations.Percentiles()))
	}

	if cfg.ProcessesStarted > 0 {
		b.WriteString(renderProcesses(cfg))
	}

	b.WriteString(renderNonPasses(report))

	footnotes := renderFootnotes(cfg)
	if footnotes != "" {
		b.WriteString(footnotes)
	}

	b.WriteString(heavyRule)
	return b.String()
}

// formatBasicSummary formats a summary when no report is available.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                           go-procsuite Exit Summary\n")
	b.WriteString(heavyRule + "\n")
	b.WriteString("No tests were run.\n\n")

	if footnotes := renderFootnotes(cfg); footnotes != "" {
		b.WriteString(footnotes)
	}
	b.WriteString(heavyRule)
	return b.String()
}

// renderOutcomeTable renders one row per cycle with a column per outcome
// kind that occurred, in precedence order.
func renderOutcomeTable(report *runner.Report) string {
	totals := report.Totals()

	var kinds []outcome.Kind
	for _, k := range outcome.Precedence {
		if totals[k] > 0 {
			kinds = append(kinds, k)
		}
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Outcomes")

	header := table.Row{"Cycle"}
	configs := []table.ColumnConfig{{Name: "Cycle", Align: text.AlignRight}}
	for _, k := range kinds {
		header = append(header, k.String())
		configs = append(configs, table.ColumnConfig{Name: k.String(), Align: text.AlignRight})
	}
	header = append(header, "Total")
	configs = append(configs, table.ColumnConfig{Name: "Total", Align: text.AlignRight})
	t.AppendHeader(header)
	t.SetColumnConfigs(configs)

	for cycle := 0; cycle < report.Cycles; cycle++ {
		counts := report.Counts(cycle)
		row := table.Row{cycle + 1}
		total := 0
		for _, k := range kinds {
			row = append(row, counts[k])
			total += counts[k]
		}
		row = append(row, total)
		t.AppendRow(row)
	}

	footer := table.Row{"TOTAL"}
	for _, k := range kinds {
		footer = append(footer, totals[k])
	}
	footer = append(footer, len(report.Tests))
	t.AppendFooter(footer)

	return t.Render() + "\n"
}

func renderDurations(p Percentiles) string {
	var b strings.Builder
	b.WriteString(lightRule)
	b.WriteString("                               Test Durations\n")
	b.WriteString(lightRule + "\n")
	fmt.Fprintf(&b, "  %-8s %10s\n", "Mean", FormatMs(p.Mean))
	fmt.Fprintf(&b, "  %-8s %10s\n", "P50", FormatMs(p.P50))
	fmt.Fprintf(&b, "  %-8s %10s\n", "P95", FormatMs(p.P95))
	fmt.Fprintf(&b, "  %-8s %10s\n", "P99", FormatMs(p.P99))
	fmt.Fprintf(&b, "  %-8s %10s\n\n", "Max", FormatMs(p.Max))
	return b.String()
}

func renderProcesses(cfg SummaryConfig) string {
	var b strings.Builder
	b.WriteString(lightRule)
	b.WriteString("                                 Processes\n")
	b.WriteString(lightRule + "\n")
	fmt.Fprintf(&b, "  Started:  %s\n", FormatNumber(int64(cfg.ProcessesStarted)))

	categories := make([]string, 0, len(cfg.ProcessExits))
	for c := range cfg.ProcessExits {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		if cfg.ProcessExits[c] == 0 {
			continue
		}
		fmt.Fprintf(&b, "  Exited (%s): %s\n", c, FormatNumber(cfg.ProcessExits[c]))
	}
	b.WriteString("\n")
	return b.String()
}

// renderNonPasses lists every test that did not pass, grouped by cycle
// and then by severity.
func renderNonPasses(report *runner.Report) string {
	nonPasses := report.NonPasses()
	if len(nonPasses) == 0 {
		return "All tests passed.\n\n"
	}

	var b strings.Builder
	b.WriteString(lightRule)
	b.WriteString("                              Tests Not Passed\n")
	b.WriteString(lightRule + "\n")
	for _, t := range nonPasses {
		prefix := ""
		if report.Cycles > 1 {
			prefix = fmt.Sprintf("[CYCLE %d] ", t.Cycle+1)
		}
		fmt.Fprintf(&b, "  %s%s: %s", prefix, t.Outcome, t.ID)
		if t.Reason != "" {
			fmt.Fprintf(&b, " (%s)", t.Reason)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// renderFootnotes returns diagnostic notes, or "" when there are none.
func renderFootnotes(cfg SummaryConfig) string {
	var footnotes []string
	if cfg.MetricsAddr != "" {
		footnotes = append(footnotes, fmt.Sprintf("Metrics: http://%s/metrics", cfg.MetricsAddr))
	}
	if cfg.SnapshotPath != "" {
		footnotes = append(footnotes, fmt.Sprintf("Metrics snapshot: %s", cfg.SnapshotPath))
	}
	if cfg.PeakPorts > 0 {
		footnotes = append(footnotes, fmt.Sprintf("Peak ports leased: %d", cfg.PeakPorts))
	}

	if len(footnotes) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(lightRule)
	b.WriteString("                                 Footnotes\n")
	b.WriteString(lightRule + "\n")
	for _, fn := range footnotes {
		fmt.Fprintf(&b, "  %s\n", fn)
	}
	b.WriteString("\n")
	return b.String()
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
