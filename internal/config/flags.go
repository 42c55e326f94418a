package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// stringList is a repeatable, comma-splitting flag. The first Set replaces
// any default or file-supplied value.
type stringList struct {
	values *[]string
	set    bool
}

func (l *stringList) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l *stringList) Set(value string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l.values = append(*l.values, v)
		}
	}
	return nil
}

// portList is a comma-separated list of port numbers.
type portList struct {
	values *[]int
	set    bool
}

func (l *portList) String() string {
	if l.values == nil {
		return ""
	}
	parts := make([]string, len(*l.values))
	for i, p := range *l.values {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func (l *portList) Set(value string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid port %q", v)
		}
		*l.values = append(*l.values, p)
	}
	return nil
}

// ParseFlags parses os.Args and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs parses command-line arguments into a Config. Positional
// arguments are the test root followed by optional test ids. With
// -config, the YAML file is applied on top of the defaults and flags set
// on the command line still win.
func ParseArgs(args []string, stderr io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigFile != "" {
		path := cfg.ConfigFile
		cfg = DefaultConfig()
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path

		// Parse again so explicit flags override the file.
		fs = newFlagSet(cfg, stderr)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if rest := fs.Args(); len(rest) > 0 {
		cfg.TestRoot = rest[0]
		if len(rest) > 1 {
			cfg.TestIDs = append([]string(nil), rest[1:]...)
		}
	}
	return cfg, nil
}

// LoadFile decodes a YAML config file into cfg. Fields absent from the
// file keep their current values; unknown fields are an error.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func newFlagSet(cfg *Config, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("go-procsuite", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Usage = func() {
		fmt.Fprintf(stderr, `go-procsuite - run process-based system tests

Usage:
  go-procsuite [flags] [TEST_ROOT] [TEST_ID...]

Selection:
`)
		printFlagCategory(fs, stderr, []string{"include", "exclude", "list"})

		fmt.Fprintf(stderr, "\nExecution:\n")
		printFlagCategory(fs, stderr, []string{"threads", "cycles", "mode", "outsubdir", "purge", "interrupt"})

		fmt.Fprintf(stderr, "\nTest Defaults:\n")
		printFlagCategory(fs, stderr, []string{"abort", "timeout", "stop-timeout"})

		fmt.Fprintf(stderr, "\nPorts:\n")
		printFlagCategory(fs, stderr, []string{"port-timeout", "port-retry", "exclude-ports", "port-seed"})

		fmt.Fprintf(stderr, "\nOutput:\n")
		printFlagCategory(fs, stderr, []string{"output", "snapshot-metrics"})

		fmt.Fprintf(stderr, "\nObservability:\n")
		printFlagCategory(fs, stderr, []string{"metrics", "tui", "v", "log-format", "log-level"})

		fmt.Fprintf(stderr, "\nConfiguration:\n")
		printFlagCategory(fs, stderr, []string{"config", "skip-preflight"})

		fmt.Fprintf(stderr, `
Examples:
  # Run every test below ./tests on 4 threads
  go-procsuite -threads 4 ./tests

  # Run two tests in debug mode, three times each
  go-procsuite -mode debug -cycles 3 ./tests net.echo net.reconnect

  # Watch a long run with the dashboard and Prometheus metrics
  go-procsuite -tui -metrics 127.0.0.1:17092 -threads 8 ./tests

`)
	}

	// Selection
	fs.Var(&stringList{values: &cfg.Include}, "include", "Only run tests in these groups (comma-separated, can repeat)")
	fs.Var(&stringList{values: &cfg.Exclude}, "exclude", "Skip tests in these groups (comma-separated, can repeat)")
	fs.BoolVar(&cfg.List, "list", cfg.List, "List the selected tests and exit")

	// Execution
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "Number of tests to run in parallel")
	fs.IntVar(&cfg.Cycles, "cycles", cfg.Cycles, "Times to run the test set")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Run mode; tests that do not support it are skipped")
	fs.StringVar(&cfg.OutSubDir, "outsubdir", cfg.OutSubDir, "Output subdirectory below each test's output directory")
	fs.BoolVar(&cfg.Purge, "purge", cfg.Purge, "Remove the output of passing tests, except run.log")
	fs.StringVar(&cfg.Interrupt, "interrupt", cfg.Interrupt, `Ctrl-C behaviour: "prompt", "drain" or "abort"`)

	// Test defaults
	fs.BoolVar(&cfg.DefaultAbortOnError, "abort", cfg.DefaultAbortOnError, "Abort a test on its first failing step")
	fs.DurationVar(&cfg.DefaultTimeout, "timeout", cfg.DefaultTimeout, "Timeout for foreground processes that set none")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "How long stopping a process waits for it to exit")

	// Ports
	fs.DurationVar(&cfg.PortAcquireTimeout, "port-timeout", cfg.PortAcquireTimeout, "How long to wait for a free server port")
	fs.DurationVar(&cfg.PortRetryDelay, "port-retry", cfg.PortRetryDelay, "Initial delay between busy-port retries")
	fs.Var(&portList{values: &cfg.ExcludedPorts}, "exclude-ports", "Ports never handed to tests (comma-separated)")
	fs.Int64Var(&cfg.PortSeed, "port-seed", cfg.PortSeed, "Seed for the port shuffle (0 = time-based)")

	// Output
	fs.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Directory for run logs and metrics snapshots")
	fs.BoolVar(&cfg.SnapshotMetrics, "snapshot-metrics", cfg.SnapshotMetrics, "Write metrics.prom into the run directory")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)

	// Configuration
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file; flags override its values")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	return fs
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.Value.(type) {
	case *stringList:
		return "list"
	case *portList:
		return "ports"
	}

	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return "string"
	}
	switch getter.Get().(type) {
	case bool:
		return ""
	case time.Duration:
		return "duration"
	case int, int64:
		return "int"
	default:
		return "string"
	}
}
