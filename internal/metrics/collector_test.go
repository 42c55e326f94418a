package metrics

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/supervisor"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestCollector creates a collector with an isolated registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return NewCollectorWithRegistry(CollectorConfig{Mode: "release"}, registry), registry
}

func gather(t *testing.T, g prometheus.Gatherer) []*dto.MetricFamily {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	return families
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	return CounterValue(gather(t, g), name, nil)
}

// =============================================================================
// Tests: ExitCategory
// =============================================================================

func TestExitCategory(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{0, ExitSuccess},
		{1, ExitError},
		{128, ExitError},
		{137, ExitSignal},
		{143, ExitSignal},
		{-1, ExitError},
	}
	for _, tt := range tests {
		if got := ExitCategory(tt.status); got != tt.want {
			t.Errorf("ExitCategory(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

// =============================================================================
// Tests: Observer
// =============================================================================

func TestCollector_TestLifecycle(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RunStarted("run-1", 3)
	c.WorkersChanged(2)
	c.TestStarted("t0", 0)
	c.TestStarted("t1", 0)

	if got := gaugeValue(t, reg, "procsuite_tests_running"); got != 2 {
		t.Errorf("tests_running = %v, want 2", got)
	}

	c.TestCompleted(&container.Result{ID: "t0", Outcome: outcome.Passed, Duration: time.Second})
	c.TestCompleted(&container.Result{ID: "t1", Outcome: outcome.TimedOut, Duration: 2 * time.Second})
	c.TestStarted("t2", 0)
	c.TestCompleted(&container.Result{ID: "t2", Outcome: outcome.Passed})
	c.WorkersChanged(0)

	families := gather(t, reg)
	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{TestsStartedName, nil, 3},
		{TestsCompletedName, nil, 3},
		{TestsCompletedName, map[string]string{"outcome": "passed"}, 2},
		{TestsCompletedName, map[string]string{"outcome": "timed_out"}, 1},
		{TestsCompletedName, map[string]string{"outcome": "failed"}, 0},
		{"procsuite_tests_running", nil, 0},
		{"procsuite_tests_planned", nil, 3},
		{"procsuite_workers", nil, 0},
		{"procsuite_info", map[string]string{"run_id": "run-1", "mode": "release"}, 1},
	}
	for _, tt := range tests {
		if got := CounterValue(families, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}

	s := c.GenerateSummary()
	if s.PeakRunning != 2 || s.PeakWorkers != 2 {
		t.Errorf("summary peaks = running %d workers %d", s.PeakRunning, s.PeakWorkers)
	}
	if s.OutcomeCounts[outcome.Passed] != 2 || s.OutcomeCounts[outcome.TimedOut] != 1 {
		t.Errorf("summary outcomes = %v", s.OutcomeCounts)
	}
}

func TestCollector_ProcessCallbacks(t *testing.T) {
	c, reg := newTestCollector(t)

	var seen []string
	cb := Chain(c.ProcessCallbacks(), supervisor.Callbacks{
		OnStart: func(name string, pid int) { seen = append(seen, "start "+name) },
		OnExit:  func(name string, status int, uptime time.Duration) { seen = append(seen, "exit "+name) },
	})

	cb.OnStart("server", 100)
	cb.OnStart("client", 101)
	cb.OnExit("client", 0, 50*time.Millisecond)
	cb.OnExit("server", 143, time.Second)
	cb.OnStart("tool", 102)
	cb.OnExit("tool", 2, time.Millisecond)

	families := gather(t, reg)
	tests := []struct {
		category string
		want     float64
	}{
		{ExitSuccess, 1},
		{ExitError, 1},
		{ExitSignal, 1},
	}
	for _, tt := range tests {
		got := CounterValue(families, ProcessExitsName, map[string]string{"category": tt.category})
		if got != tt.want {
			t.Errorf("exits{%s} = %v, want %v", tt.category, got, tt.want)
		}
	}
	if got := CounterValue(families, ProcessesStartedName, nil); got != 3 {
		t.Errorf("processes_started = %v, want 3", got)
	}
	if got := CounterValue(families, "procsuite_processes_running", nil); got != 0 {
		t.Errorf("processes_running = %v, want 0", got)
	}
	if len(seen) != 6 {
		t.Errorf("chained callbacks saw %v", seen)
	}

	if s := c.GenerateSummary(); s.PeakProcesses != 2 {
		t.Errorf("PeakProcesses = %d, want 2", s.PeakProcesses)
	}
}

func TestCollector_PortsLeased(t *testing.T) {
	c, reg := newTestCollector(t)

	for _, inUse := range []int{1, 2, 1, 2, 3, 0} {
		c.PortsLeased(inUse)
	}

	families := gather(t, reg)
	if got := CounterValue(families, "procsuite_port_leases_total", nil); got != 4 {
		t.Errorf("port_leases = %v, want 4", got)
	}
	if got := CounterValue(families, "procsuite_ports_peak", nil); got != 3 {
		t.Errorf("ports_peak = %v, want 3", got)
	}
	if current, peak := c.PortsInUse(); current != 0 || peak != 3 {
		t.Errorf("PortsInUse = %d, %d", current, peak)
	}
}

func TestChain_NilCallbacks(t *testing.T) {
	cb := Chain(supervisor.Callbacks{}, supervisor.Callbacks{})
	cb.OnStart("p", 1)
	cb.OnExit("p", 0, 0)
}

// =============================================================================
// Tests: Snapshot
// =============================================================================

func TestSnapshot(t *testing.T) {
	c, reg := newTestCollector(t)
	c.TestStarted("t0", 0)
	c.TestCompleted(&container.Result{ID: "t0", Outcome: outcome.Failed})

	var buf bytes.Buffer
	if err := Snapshot(reg, &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# TYPE procsuite_tests_completed_total counter",
		`procsuite_tests_completed_total{outcome="failed"} 1`,
		"procsuite_tests_started_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("snapshot missing %q", want)
		}
	}
}

func TestWriteSnapshotFile(t *testing.T) {
	_, reg := newTestCollector(t)
	dir := filepath.Join(t.TempDir(), "run")

	path, err := WriteSnapshotFile(reg, dir)
	if err != nil {
		t.Fatalf("WriteSnapshotFile: %v", err)
	}
	if path != filepath.Join(dir, SnapshotFile) {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "procsuite_workers 0") {
		t.Errorf("snapshot file content:\n%s", data)
	}
}

// =============================================================================
// Tests: Server
// =============================================================================

func TestServer_Endpoints(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RunStarted("run-2", 1)

	s := NewServer("127.0.0.1:0", reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get("http://" + s.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	for _, path := range []string{"/health", "/healthz"} {
		if code, _ := get(path); code != http.StatusOK {
			t.Errorf("%s = %d", path, code)
		}
	}

	if code, _ := get("/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("/ready before SetReady = %d", code)
	}
	s.SetReady(true)
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz after SetReady = %d", code)
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics = %d", code)
	}
	if !strings.Contains(body, `procsuite_info{mode="release",run_id="run-2"} 1`) {
		t.Errorf("/metrics missing run info:\n%s", body)
	}
}
