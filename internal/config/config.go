// Package config provides configuration management for go-procsuite.
package config

import (
	"runtime"
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/portpool"
)

// Config holds all configuration options for a run.
type Config struct {
	// Selection
	TestRoot string   `json:"test_root" yaml:"test_root"`
	TestIDs  []string `json:"test_ids" yaml:"test_ids"`
	Include  []string `json:"include" yaml:"include"` // groups to run; empty = all
	Exclude  []string `json:"exclude" yaml:"exclude"` // groups to leave out

	// Execution
	Threads   int    `json:"threads" yaml:"threads"`
	Cycles    int    `json:"cycles" yaml:"cycles"`
	Mode      string `json:"mode" yaml:"mode"`
	OutSubDir string `json:"outsubdir" yaml:"outsubdir"`
	Purge     bool   `json:"purge" yaml:"purge"`
	Interrupt string `json:"interrupt" yaml:"interrupt"` // prompt, drain, abort

	// Test defaults
	DefaultAbortOnError bool          `json:"default_abort_on_error" yaml:"default_abort_on_error"`
	DefaultTimeout      time.Duration `json:"default_timeout" yaml:"default_timeout"`
	StopTimeout         time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	// Port pool
	PortAcquireTimeout time.Duration `json:"port_acquire_timeout" yaml:"port_acquire_timeout"`
	PortRetryDelay     time.Duration `json:"port_retry_delay" yaml:"port_retry_delay"`
	ExcludedPorts      []int         `json:"excluded_ports" yaml:"excluded_ports"`
	PortSeed           int64         `json:"port_seed" yaml:"port_seed"` // 0 = time-based shuffle

	// Output
	OutputDir       string `json:"output_dir" yaml:"output_dir"` // run directory root
	SnapshotMetrics bool   `json:"snapshot_metrics" yaml:"snapshot_metrics"`

	// Observability
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"` // empty disables the server
	TUIEnabled  bool   `json:"tui" yaml:"tui"`
	Verbose     bool   `json:"verbose" yaml:"verbose"`
	LogFormat   string `json:"log_format" yaml:"log_format"` // json, text
	LogLevel    string `json:"log_level" yaml:"log_level"`

	// Diagnostic modes
	List          bool   `json:"list" yaml:"list"`
	SkipPreflight bool   `json:"skip_preflight" yaml:"skip_preflight"`
	ConfigFile    string `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TestRoot: ".",

		// Execution
		Threads:   1,
		Cycles:    1,
		OutSubDir: runtime.GOOS,
		Interrupt: "prompt",

		// Test defaults
		DefaultAbortOnError: true,
		DefaultTimeout:      600 * time.Second,
		StopTimeout:         30 * time.Second,

		// Port pool
		PortAcquireTimeout: 60 * time.Second,
		PortRetryDelay:     100 * time.Millisecond,
		ExcludedPorts:      append([]int(nil), portpool.DefaultExcludedPorts...),

		// Output
		OutputDir: "procsuite-runs",

		// Observability
		LogFormat: "text",
		LogLevel:  "info",
	}
}
