// Package main provides the go-procsuite CLI entry point.
//
// go-procsuite discovers process-based tests below a directory, runs them
// serially or on a worker pool, and reports one outcome per test in a
// stable order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/randomizedcoder/go-procsuite/internal/config"
	"github.com/randomizedcoder/go-procsuite/internal/logging"
	"github.com/randomizedcoder/go-procsuite/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-procsuite
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-procsuite %s\n", version)
			return orchestrator.ExitOK
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return orchestrator.ExitOK
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return orchestrator.ExitSetup
	}

	// The TUI owns the terminal; run-level logs still reach run.log.
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.Discard()
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return orchestrator.ExitSetup
	}

	logger.Info("starting",
		"version", version,
		"test_root", cfg.TestRoot,
		"threads", cfg.Threads,
		"cycles", cfg.Cycles,
		"mode", cfg.Mode,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.List && !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch := orchestrator.New(cfg, logger)
	report, err := orch.Run(context.Background())
	if err != nil {
		logger.Error("run_failed", "error", err)
	}
	return orchestrator.ExitCode(report, err)
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                          go-procsuite                             ║")
	fmt.Println("║            Process-Based Test Execution and Reporting             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Tests:       %s\n", cfg.TestRoot)
	if len(cfg.TestIDs) > 0 {
		fmt.Printf("  Selected:    %s\n", strings.Join(cfg.TestIDs, ", "))
	}
	if len(cfg.Include) > 0 || len(cfg.Exclude) > 0 {
		fmt.Printf("  Groups:      include=%s exclude=%s\n",
			strings.Join(cfg.Include, ","), strings.Join(cfg.Exclude, ","))
	}
	fmt.Printf("  Threads:     %d\n", cfg.Threads)
	fmt.Printf("  Cycles:      %d\n", cfg.Cycles)
	if cfg.Mode != "" {
		fmt.Printf("  Mode:        %s\n", cfg.Mode)
	}
	fmt.Printf("  Output:      %s\n", cfg.OutputDir)
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Printf("Press Ctrl+C to interrupt (%s).\n", cfg.Interrupt)
	fmt.Println()
}
