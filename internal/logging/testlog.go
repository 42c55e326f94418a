package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// TestLogFile is the per-test log file name inside the output directory.
const TestLogFile = "run.log"

// OpenTestLog creates <dir>/run.log and returns a logger writing to it and
// to console. A nil console writes to the file only. The caller must close
// the returned io.Closer.
func OpenTestLog(dir string, console io.Writer, format, level string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, TestLogFile))
	if err != nil {
		return nil, nil, fmt.Errorf("create test log: %w", err)
	}

	var w io.Writer = f
	if console != nil {
		w = io.MultiWriter(f, console)
	}
	return NewLoggerWithWriter(w, format, level), f, nil
}
