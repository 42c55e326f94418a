package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// Tests: levels
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: " Warn ", want: slog.LevelWarn},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "trace", want: slog.LevelInfo, wantErr: true},
		{input: "loud", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		logged  []string
		dropped []string
	}{
		{"debug", []string{"test_debug", "test_info", "test_warn", "test_error"}, nil},
		{"info", []string{"test_info", "test_warn", "test_error"}, []string{"test_debug"}},
		{"warn", []string{"test_warn", "test_error"}, []string{"test_debug", "test_info"}},
		{"error", []string{"test_error"}, []string{"test_debug", "test_info", "test_warn"}},
		{"bogus", []string{"test_info"}, []string{"test_debug"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(&buf, FormatText, tt.level)
			logger.Debug("test_debug")
			logger.Info("test_info")
			logger.Warn("test_warn")
			logger.Error("test_error")

			out := buf.String()
			for _, msg := range tt.logged {
				if !strings.Contains(out, msg) {
					t.Errorf("level %s dropped %s", tt.level, msg)
				}
			}
			for _, msg := range tt.dropped {
				if strings.Contains(out, msg) {
					t.Errorf("level %s logged %s", tt.level, msg)
				}
			}
		})
	}
}

// =============================================================================
// Tests: formats
// =============================================================================

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format   string
		wantJSON bool
	}{
		{FormatJSON, true},
		{"JSON", true},
		{FormatText, false},
		{"", false},
		{"xml", false},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			NewLoggerWithWriter(&buf, tt.format, "info").Info("test_complete", "test_id", "server_001")

			line := strings.TrimSpace(buf.String())
			var record map[string]any
			isJSON := json.Unmarshal([]byte(line), &record) == nil
			if isJSON != tt.wantJSON {
				t.Fatalf("format %q produced %q", tt.format, line)
			}
			if isJSON {
				if record["msg"] != "test_complete" || record["test_id"] != "server_001" {
					t.Errorf("record = %v", record)
				}
			} else if !strings.Contains(line, "test_id=server_001") {
				t.Errorf("text line = %q", line)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		verbose bool
		debug   bool
	}{
		{"info", false, false},
		{"error", true, true},
		{"debug", false, true},
	}
	for _, tt := range tests {
		logger := NewLogger(FormatText, tt.level, tt.verbose)
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.debug {
			t.Errorf("NewLogger(%s, verbose=%v) debug enabled = %v, want %v", tt.level, tt.verbose, got, tt.debug)
		}
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("dropped")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Discard() logger has debug enabled")
	}
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	SetDefault(NewLoggerWithWriter(&buf, FormatText, "info"))
	slog.Info("from_default_logger")
	if !strings.Contains(buf.String(), "from_default_logger") {
		t.Error("SetDefault did not set the default logger")
	}
}

// =============================================================================
// Tests: per-test log
// =============================================================================

func TestOpenTestLog(t *testing.T) {
	tests := []struct {
		name    string
		console bool
	}{
		{"file only", false},
		{"file and console", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "Output", "linux")

			var console bytes.Buffer
			var w io.Writer
			if tt.console {
				w = &console
			}
			logger, closer, err := OpenTestLog(dir, w, FormatText, "info")
			if err != nil {
				t.Fatalf("OpenTestLog: %v", err)
			}
			logger.Info("process_started", "name", "server")
			logger.Debug("process_debug")
			if err := closer.Close(); err != nil {
				t.Fatal(err)
			}

			data, err := os.ReadFile(filepath.Join(dir, TestLogFile))
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(data), "process_started") {
				t.Errorf("run.log = %q", data)
			}
			if strings.Contains(string(data), "process_debug") {
				t.Error("run.log contains a debug line at info level")
			}

			gotConsole := strings.Contains(console.String(), "process_started")
			if gotConsole != tt.console {
				t.Errorf("console has line = %v, want %v", gotConsole, tt.console)
			}
		})
	}
}

func TestOpenTestLog_Truncates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, TestLogFile), []byte("stale_line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger, closer, err := OpenTestLog(dir, nil, FormatJSON, "info")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("fresh_line")
	closer.Close()

	data, _ := os.ReadFile(filepath.Join(dir, TestLogFile))
	if strings.Contains(string(data), "stale_line") || !strings.Contains(string(data), "fresh_line") {
		t.Errorf("run.log = %q", data)
	}
}

func TestOpenTestLog_BadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := OpenTestLog(filepath.Join(file, "sub"), nil, FormatText, "info"); err == nil {
		t.Error("OpenTestLog under a regular file succeeded")
	}
}
