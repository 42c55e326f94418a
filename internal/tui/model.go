package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-procsuite/internal/portpool"
	"github.com/randomizedcoder/go-procsuite/internal/runner"
	"github.com/randomizedcoder/go-procsuite/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// ProgressMsg carries an updated run snapshot.
type ProgressMsg struct {
	Progress runner.Progress
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	mode        string
	threads     int
	metricsAddr string

	// Current state
	progress     runner.Progress
	ports        portpool.Stats
	portCapacity int
	rates        timeseries.CompletionStats
	eta          time.Duration
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	// Sources polled on every tick
	progressSource ProgressSource
	portSource     PortSource
	tracker        *timeseries.CompletionTracker

	// Quit flag
	quitting bool
}

// ProgressSource provides run snapshots. *runner.Runner implements it.
type ProgressSource interface {
	Progress() runner.Progress
}

// PortSource provides port pool usage. *portpool.Pool implements it.
type PortSource interface {
	Stats() portpool.Stats
	Capacity() int
}

// Config holds TUI configuration.
type Config struct {
	Mode           string
	Threads        int
	MetricsAddr    string
	ProgressSource ProgressSource
	PortSource     PortSource

	// Tracker receives completions seen between ticks. A tracker is
	// created when nil.
	Tracker *timeseries.CompletionTracker
}

// New creates a new TUI model.
func New(cfg Config) Model {
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = timeseries.NewCompletionTracker()
	}
	return Model{
		mode:           cfg.Mode,
		threads:        cfg.Threads,
		metricsAddr:    cfg.MetricsAddr,
		progressSource: cfg.ProgressSource,
		portSource:     cfg.PortSource,
		tracker:        tracker,
		startTime:      time.Now(),
		lastUpdate:     time.Now(),
		width:          80,
		height:         24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// tea.WithAltScreen() is passed when creating the program.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.progressSource != nil {
			m = m.applyProgress(m.progressSource.Progress())
		}
		if m.portSource != nil {
			m.ports = m.portSource.Stats()
			m.portCapacity = m.portSource.Capacity()
		}
		m.tracker.RecordSample()
		m.rates = m.tracker.GetStats()
		m.eta = m.tracker.ETA(m.progress.Total - m.progress.Completed)
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case ProgressMsg:
		m = m.applyProgress(msg.Progress)
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// applyProgress stores a snapshot and feeds new completions to the tracker.
func (m Model) applyProgress(p runner.Progress) Model {
	if delta := p.Completed - m.progress.Completed; delta > 0 {
		m.tracker.AddCompleted(int64(delta))
	}
	m.progress = p
	return m
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && len(m.progress.Running) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the run started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Completed returns the number of tests reported so far.
func (m Model) Completed() int {
	return m.progress.Completed
}

// Total returns the number of tests planned.
func (m Model) Total() int {
	return m.progress.Total
}

// CompletionProgress returns the fraction of planned tests reported (0.0 to 1.0).
func (m Model) CompletionProgress() float64 {
	if m.progress.Total == 0 {
		return 0
	}
	return float64(m.progress.Completed) / float64(m.progress.Total)
}

// PortUsage returns the fraction of the port pool currently leased.
func (m Model) PortUsage() float64 {
	if m.portCapacity == 0 {
		return 0
	}
	return float64(m.ports.InUse) / float64(m.portCapacity)
}

// Failures returns the number of failure-class outcomes reported so far.
func (m Model) Failures() int {
	n := 0
	for k, v := range m.progress.Counts {
		if k.IsFailure() {
			n += v
		}
	}
	return n
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendProgress sends a progress update to the TUI.
func SendProgress(p *tea.Program, progress runner.Progress) {
	if p != nil {
		p.Send(ProgressMsg{Progress: progress})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatCompletionRate formats a tests-per-minute rate. A zero rate with
// completions already seen is still being measured.
func formatCompletionRate(perSecond float64, completed int64) string {
	perMinute := perSecond * 60
	if perMinute >= 1 {
		return fmt.Sprintf("%.1f/min", perMinute)
	}
	if perMinute > 0 {
		return fmt.Sprintf("%.2f/min", perMinute)
	}
	if completed > 0 {
		return "(calculating...)"
	}
	return "(waiting)"
}

// formatETA formats an estimated time remaining, or "--:--:--" when unknown.
func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	return formatDuration(d)
}

// formatPercent formats a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// truncate shortens s to width runes, marking the cut with "...".
func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 3 || len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
