package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/randomizedcoder/go-procsuite/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validInterrupts = map[string]bool{"prompt": true, "drain": true, "abort": true}
	validFormats    = map[string]bool{"json": true, "text": true}
)

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error joining every problem found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.TestRoot == "" {
		add("test_root", "a test root directory is required")
	}

	if cfg.Threads < 1 {
		add("threads", "must be at least 1")
	}
	if cfg.Cycles < 1 {
		add("cycles", "must be at least 1")
	}
	if strings.ContainsAny(cfg.OutSubDir, `/\`) || cfg.OutSubDir == ".." {
		add("outsubdir", "must be a single directory name (got %q)", cfg.OutSubDir)
	}
	if !validInterrupts[strings.ToLower(cfg.Interrupt)] {
		add("interrupt", "must be 'prompt', 'drain' or 'abort' (got %q)", cfg.Interrupt)
	}

	if cfg.DefaultTimeout <= 0 {
		add("default_timeout", "must be positive")
	}
	if cfg.StopTimeout <= 0 {
		add("stop_timeout", "must be positive")
	}
	if cfg.PortAcquireTimeout <= 0 {
		add("port_acquire_timeout", "must be positive")
	}
	if cfg.PortRetryDelay <= 0 {
		add("port_retry_delay", "must be positive")
	}
	if cfg.PortRetryDelay > cfg.PortAcquireTimeout && cfg.PortAcquireTimeout > 0 {
		add("port_retry_delay", "must not exceed port_acquire_timeout")
	}
	for _, p := range cfg.ExcludedPorts {
		if p < 1 || p > 65535 {
			add("excluded_ports", "port %d out of range 1-65535", p)
		}
	}

	if cfg.OutputDir == "" {
		add("output_dir", "must not be empty")
	}

	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			add("metrics_addr", "must be host:port (%v)", err)
		}
	}
	if !validFormats[cfg.LogFormat] {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil || cfg.LogLevel == "" {
		add("log_level", "must be 'debug', 'info', 'warn' or 'error' (got %q)", cfg.LogLevel)
	}

	for _, g := range cfg.Include {
		for _, x := range cfg.Exclude {
			if g == x {
				add("include", "group %q is both included and excluded", g)
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
