package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLineBuffer_SplitsLines(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   []string
	}{
		{"single line", []string{"hello\n"}, []string{"hello"}},
		{"two lines one write", []string{"a\nb\n"}, []string{"a", "b"}},
		{"line across writes", []string{"hel", "lo\nwor", "ld\n"}, []string{"hello", "world"}},
		{"partial held", []string{"done\npart"}, []string{"done"}},
		{"empty line", []string{"\n"}, []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLineBuffer(10)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write() = %d, %v", n, err)
				}
			}
			got := b.Lines()
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Lines() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineBuffer_DropsOldest(t *testing.T) {
	b := NewLineBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}

	if got := b.Lines(); strings.Join(got, ",") != "line 2,line 3,line 4" {
		t.Errorf("Lines() = %q", got)
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
	if got := b.RecentLines(2); strings.Join(got, ",") != "line 3,line 4" {
		t.Errorf("RecentLines(2) = %q", got)
	}
	if got := b.RecentLines(100); len(got) != 3 {
		t.Errorf("RecentLines(100) returned %d lines", len(got))
	}
}

func TestLineBuffer_Drain(t *testing.T) {
	b := NewLineBuffer(2)
	b.Write([]byte("one\ntwo\nthree\ntail"))

	var out bytes.Buffer
	if err := b.Drain(&out); err != nil {
		t.Fatal(err)
	}
	want := "... 1 earlier lines dropped ...\ntwo\nthree\ntail\n"
	if out.String() != want {
		t.Errorf("Drain() wrote %q, want %q", out.String(), want)
	}

	if b.Len() != 0 || b.Dropped() != 0 {
		t.Error("Drain did not empty the buffer")
	}
	out.Reset()
	if err := b.Drain(&out); err != nil || out.Len() != 0 {
		t.Errorf("second Drain wrote %q, %v", out.String(), err)
	}
}

func TestLineBuffer_Truncation(t *testing.T) {
	b := NewLineBuffer(1)
	b.Write([]byte(strings.Repeat("x", MaxLineLength+10) + "\n"))
	line := b.Lines()[0]
	if !strings.HasSuffix(line, "...(truncated)") || len(line) != MaxLineLength+len("...(truncated)") {
		t.Errorf("line length = %d", len(line))
	}
}

func TestLineBuffer_LoggerSink(t *testing.T) {
	b := NewLineBuffer(0)
	logger := NewLoggerWithWriter(b, "text", "info")
	logger.Info("process_started", "pid", 42)
	logger.Debug("hidden")

	lines := b.Lines()
	if len(lines) != 1 || !strings.Contains(lines[0], "process_started") || !strings.Contains(lines[0], "pid=42") {
		t.Errorf("Lines() = %q", lines)
	}
}

func TestLineBuffer_Concurrent(t *testing.T) {
	b := NewLineBuffer(1000)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				fmt.Fprintf(b, "g%d line %d\n", g, i)
			}
		}(g)
	}
	wg.Wait()
	if b.Len() != 500 {
		t.Errorf("Len() = %d, want 500", b.Len())
	}
}

func TestOpenTestLog_LineBufferConsole(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	console := NewLineBuffer(10)

	logger, closer, err := OpenTestLog(dir, console, "text", "info")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("test_started", "test_id", "t1")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, TestLogFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "test_started") {
		t.Errorf("run.log = %q", data)
	}
	if console.Len() != 1 {
		t.Errorf("console got %d lines, want 1", console.Len())
	}
}
