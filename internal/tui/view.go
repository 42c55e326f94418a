package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/runner"
)

// maxRunningRows caps the running-tests panel in the summary view.
const maxRunningRows = 8

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main summary dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())

	if m.progress.Completed > 0 {
		sections = append(sections, m.renderOutcomes())
	}
	if len(m.progress.Running) > 0 {
		sections = append(sections, m.renderRunning(maxRunningRows))
	}
	sections = append(sections, m.renderResources())

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView lists every running test.
func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderRunning(0))
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	status := statusOK.Render("● Running")
	switch {
	case m.progress.Interrupted:
		status = statusWarning.Render("● Interrupted")
	case m.Failures() > 0:
		status = statusError.Render(fmt.Sprintf("● %d failing", m.Failures()))
	}

	header := fmt.Sprintf(
		" go-procsuite │ %s │ Tests: %d/%d │ Elapsed: %s ",
		status,
		m.progress.Completed,
		m.progress.Total,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.CompletionProgress()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(progress, barWidth)

	var status string
	switch {
	case m.progress.Total > 0 && m.progress.Completed >= m.progress.Total:
		status = statusOK.Render("✓ All tests reported")
	case m.progress.Interrupted:
		status = statusWarning.Render(fmt.Sprintf("Draining... %d running", len(m.progress.Running)))
	default:
		status = statusInfo.Render(fmt.Sprintf("Running... %d/%d (ETA %s)",
			m.progress.Completed, m.progress.Total, formatETA(m.eta)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Progress"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Outcomes
// =============================================================================

// renderOutcomes renders a count per outcome kind seen so far, most severe
// first.
func (m Model) renderOutcomes() string {
	rows := []string{sectionHeaderStyle.Render("Outcomes")}
	for _, k := range outcome.Precedence {
		n := m.progress.Counts[k]
		if n == 0 {
			continue
		}
		rows = append(rows, renderOutcomeRow(k, n, m.progress.Completed))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderOutcomeRow(kind outcome.Kind, n, completed int) string {
	share := 0.0
	if completed > 0 {
		share = float64(n) / float64(completed)
	}
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(kind.String()+":"),
		GetOutcomeStyle(kind).Width(8).Render(fmt.Sprintf("%d", n)),
		mutedStyle.Render(" ("+formatPercent(share)+")"),
	)
}

// =============================================================================
// Running Tests
// =============================================================================

// renderRunning renders the running tests, oldest first. limit <= 0 shows
// every test.
func (m Model) renderRunning(limit int) string {
	running := m.progress.Running
	hidden := 0
	if limit > 0 && len(running) > limit {
		hidden = len(running) - limit
		running = running[:limit]
	}

	idWidth := m.width - 40
	if idWidth < 20 {
		idWidth = 20
	}

	now := time.Now()
	rows := []string{
		sectionHeaderStyle.Render(fmt.Sprintf("Running (%d)", len(m.progress.Running))),
		tableHeaderStyle.Render(fmt.Sprintf("%-*s %-6s %-11s %9s", idWidth, "Test", "Cycle", "Phase", "Elapsed")),
	}
	for i, rt := range running {
		style := tableRowEvenStyle
		if i%2 == 1 {
			style = tableRowOddStyle
		}
		rows = append(rows, style.Render(formatRunningRow(rt, idWidth, now)))
	}
	if hidden > 0 {
		rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more (d: show all)", hidden)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func formatRunningRow(rt runner.RunningTest, idWidth int, now time.Time) string {
	elapsed := time.Duration(0)
	if !rt.Started.IsZero() {
		elapsed = now.Sub(rt.Started)
	}
	return fmt.Sprintf("%-*s %-6d %-11s %9s",
		idWidth, truncate(rt.ID, idWidth),
		rt.Cycle+1,
		rt.State,
		formatDuration(elapsed),
	)
}

// =============================================================================
// Resources
// =============================================================================

// renderResources renders port usage next to the completion rates.
func (m Model) renderResources() string {
	portLabel := GetPortStyle(GetPortStatus(m.PortUsage())).Render(
		fmt.Sprintf("%d/%d", m.ports.InUse, m.portCapacity))

	left := []string{
		sectionHeaderStyle.Render("Ports"),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("In use:"), portLabel),
		RenderKeyValue("Peak", fmt.Sprintf("%d", m.ports.Peak)),
		RenderKeyValue("Leases", fmt.Sprintf("%d", m.ports.TotalLeased)),
	}
	right := []string{
		sectionHeaderStyle.Render("Completion Rate"),
		RenderKeyValue("Last 10s", formatCompletionRate(m.rates.Rate10s, m.rates.Completed)),
		RenderKeyValue("Last 60s", formatCompletionRate(m.rates.Rate60s, m.rates.Completed)),
		RenderKeyValue("Overall", formatCompletionRate(m.rates.RateOverall, m.rates.Completed)),
	}

	return boxStyle.Width(m.width - 2).Render(renderTwoColumns(left, right, m.width))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	info := fmt.Sprintf("Threads: %d │ Mode: %s", m.threads, m.mode)
	if m.metricsAddr != "" {
		info += " │ Metrics: " + m.metricsAddr
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(info)

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Two-Column Layout Helper
// =============================================================================

// renderTwoColumns renders two columns side-by-side with a separator.
func renderTwoColumns(left, right []string, totalWidth int) string {
	separatorWidth := 3 // " │ "
	padding := 2        // Box padding
	leftWidth := (totalWidth - separatorWidth - padding*2) / 2
	if leftWidth < 20 {
		leftWidth = 20
	}

	leftContent := lipgloss.NewStyle().Width(leftWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, left...))
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)

	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}
