// Package metrics provides Prometheus metrics for go-procsuite.
//
// The Collector is the runner's Observer. It also receives process events
// through supervisor callbacks and port lease counts from the port pool.
// All label sets are low cardinality: outcome kinds and exit categories,
// never test ids.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/supervisor"
)

// Metric names read back by the exit summary.
const (
	TestsStartedName     = "procsuite_tests_started_total"
	TestsCompletedName   = "procsuite_tests_completed_total"
	ProcessesStartedName = "procsuite_processes_started_total"
	ProcessExitsName     = "procsuite_process_exits_total"
)

// Exit categories for ProcessExitsName.
const (
	ExitSuccess = "success"
	ExitError   = "error"
	ExitSignal  = "signal"
)

// ExitCategory classifies an exit status. Statuses above 128 are the
// shell convention for death by signal.
func ExitCategory(status int) string {
	switch {
	case status == 0:
		return ExitSuccess
	case status > 128:
		return ExitSignal
	default:
		return ExitError
	}
}

// Collector manages all Prometheus metrics for a run.
type Collector struct {
	// --- Panel 1: Run Overview ---
	runInfo      *prometheus.GaugeVec
	testsPlanned prometheus.Gauge
	workers      prometheus.Gauge

	// --- Panel 2: Tests ---
	testsStarted   prometheus.Counter
	testsCompleted *prometheus.CounterVec
	testsRunning   prometheus.Gauge
	testDuration   prometheus.Histogram

	// --- Panel 3: Processes ---
	processesStarted prometheus.Counter
	processExits     *prometheus.CounterVec
	processesRunning prometheus.Gauge
	processUptime    prometheus.Histogram

	// --- Panel 4: Ports ---
	portsInUse prometheus.Gauge
	portsPeak  prometheus.Gauge
	portLeases prometheus.Counter

	mode      string
	startTime time.Time

	mu           sync.Mutex
	running      int
	peakRunning  int
	procRunning  int
	peakProcs    int
	portsUsed    int
	peakPorts    int
	peakWorkers  int
	exitCounts   map[string]int64
	outcomeCount map[outcome.Kind]int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Mode string
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		runInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "procsuite_info",
				Help: "Information about the run (value always 1)",
			},
			[]string{"run_id", "mode"},
		),
		testsPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsuite_tests_planned",
			Help: "Tests scheduled for the run, across every cycle",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsuite_workers",
			Help: "Worker goroutines executing tests",
		}),

		testsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: TestsStartedName,
			Help: "Tests that started executing",
		}),
		testsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: TestsCompletedName,
				Help: "Tests reported, by outcome",
			},
			[]string{"outcome"},
		),
		testsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsuite_tests_running",
			Help: "Tests currently executing",
		}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procsuite_test_duration_seconds",
			Help:    "Wall-clock duration of a test, including cleanup",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),

		processesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: ProcessesStartedName,
			Help: "Processes spawned by tests",
		}),
		processExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: ProcessExitsName,
				Help: "Process exits by exit status category",
			},
			[]string{"category"}, // "success", "error", "signal"
		),
		processesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsuite_processes_running",
			Help: "Processes currently running",
		}),
		processUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procsuite_process_uptime_seconds",
			Help:    "Process uptime before exit",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 600},
		}),

		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsuite_ports_in_use",
			Help: "Server ports currently leased to tests",
		}),
		portsPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsuite_ports_peak",
			Help: "Peak number of ports leased at once",
		}),
		portLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsuite_port_leases_total",
			Help: "Ports leased from the pool",
		}),

		mode:         cfg.Mode,
		startTime:    time.Now(),
		exitCounts:   make(map[string]int64),
		outcomeCount: make(map[outcome.Kind]int64),
	}

	registry.MustRegister(
		// Panel 1: Run Overview
		c.runInfo,
		c.testsPlanned,
		c.workers,

		// Panel 2: Tests
		c.testsStarted,
		c.testsCompleted,
		c.testsRunning,
		c.testDuration,

		// Panel 3: Processes
		c.processesStarted,
		c.processExits,
		c.processesRunning,
		c.processUptime,

		// Panel 4: Ports
		c.portsInUse,
		c.portsPeak,
		c.portLeases,
	)

	// Pre-create the series so they export as zero before the first event.
	for _, k := range outcome.Precedence {
		c.testsCompleted.WithLabelValues(k.Label())
	}
	for _, cat := range []string{ExitSuccess, ExitError, ExitSignal} {
		c.processExits.WithLabelValues(cat)
	}

	return c
}

// =============================================================================
// Runner Observer
// =============================================================================

// RunStarted implements runner.Observer.
func (c *Collector) RunStarted(runID string, total int) {
	c.runInfo.WithLabelValues(runID, c.mode).Set(1)
	c.testsPlanned.Set(float64(total))

	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()
}

// TestStarted implements runner.Observer.
func (c *Collector) TestStarted(id string, cycle int) {
	c.testsStarted.Inc()

	c.mu.Lock()
	c.running++
	if c.running > c.peakRunning {
		c.peakRunning = c.running
	}
	running := c.running
	c.mu.Unlock()

	c.testsRunning.Set(float64(running))
}

// TestCompleted implements runner.Observer.
func (c *Collector) TestCompleted(res *container.Result) {
	c.testsCompleted.WithLabelValues(res.Outcome.Label()).Inc()
	c.testDuration.Observe(res.Duration.Seconds())

	c.mu.Lock()
	c.outcomeCount[res.Outcome]++
	if c.running > 0 {
		c.running--
	}
	running := c.running
	c.mu.Unlock()

	c.testsRunning.Set(float64(running))
}

// WorkersChanged implements runner.Observer.
func (c *Collector) WorkersChanged(n int) {
	c.workers.Set(float64(n))

	c.mu.Lock()
	if n > c.peakWorkers {
		c.peakWorkers = n
	}
	c.mu.Unlock()
}

// =============================================================================
// Process and Port Events
// =============================================================================

// ProcessCallbacks returns supervisor callbacks that feed the process
// metrics. Chain them with Chain to keep other callbacks.
func (c *Collector) ProcessCallbacks() supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStart: func(name string, pid int) { c.ProcessStarted() },
		OnExit:  func(name string, status int, uptime time.Duration) { c.RecordExit(status, uptime) },
	}
}

// ProcessStarted records a process spawn.
func (c *Collector) ProcessStarted() {
	c.processesStarted.Inc()

	c.mu.Lock()
	c.procRunning++
	if c.procRunning > c.peakProcs {
		c.peakProcs = c.procRunning
	}
	running := c.procRunning
	c.mu.Unlock()

	c.processesRunning.Set(float64(running))
}

// RecordExit records a process exit event.
func (c *Collector) RecordExit(exitStatus int, uptime time.Duration) {
	category := ExitCategory(exitStatus)
	c.processExits.WithLabelValues(category).Inc()
	c.processUptime.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCounts[category]++
	if c.procRunning > 0 {
		c.procRunning--
	}
	running := c.procRunning
	c.mu.Unlock()

	c.processesRunning.Set(float64(running))
}

// PortsLeased records the number of ports currently leased. It is the
// port pool's OnLease callback; a rise counts as a new lease.
func (c *Collector) PortsLeased(inUse int) {
	c.mu.Lock()
	leased := inUse > c.portsUsed
	c.portsUsed = inUse
	if inUse > c.peakPorts {
		c.peakPorts = inUse
	}
	peak := c.peakPorts
	c.mu.Unlock()

	if leased {
		c.portLeases.Inc()
	}
	c.portsInUse.Set(float64(inUse))
	c.portsPeak.Set(float64(peak))
}

// Chain combines supervisor callbacks so each event reaches every set.
func Chain(sets ...supervisor.Callbacks) supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStart: func(name string, pid int) {
			for _, s := range sets {
				if s.OnStart != nil {
					s.OnStart(name, pid)
				}
			}
		},
		OnExit: func(name string, status int, uptime time.Duration) {
			for _, s := range sets {
				if s.OnExit != nil {
					s.OnExit(name, status, uptime)
				}
			}
		},
	}
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration         time.Duration
	PeakRunning      int
	PeakWorkers      int
	PeakProcesses    int
	PeakPorts        int
	ProcessExits     map[string]int64
	OutcomeCounts    map[outcome.Kind]int64
	RunningProcesses int
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:         time.Since(c.startTime),
		PeakRunning:      c.peakRunning,
		PeakWorkers:      c.peakWorkers,
		PeakProcesses:    c.peakProcs,
		PeakPorts:        c.peakPorts,
		ProcessExits:     make(map[string]int64, len(c.exitCounts)),
		OutcomeCounts:    make(map[outcome.Kind]int64, len(c.outcomeCount)),
		RunningProcesses: c.procRunning,
	}
	for k, v := range c.exitCounts {
		s.ProcessExits[k] = v
	}
	for k, v := range c.outcomeCount {
		s.OutcomeCounts[k] = v
	}
	return s
}

// Running returns the number of tests currently executing.
func (c *Collector) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// PortsInUse returns the current and peak port lease counts.
func (c *Collector) PortsInUse() (current, peak int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portsUsed, c.peakPorts
}
