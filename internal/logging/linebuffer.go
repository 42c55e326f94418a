package logging

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single buffered line before truncation.
	MaxLineLength = 4096

	// DefaultBufferedLines is the default LineBuffer capacity.
	DefaultBufferedLines = 10000
)

// LineBuffer is an io.Writer that holds a test's console log lines until
// the runner replays them in submission order.
//
// It keeps at most capacity lines; the oldest are dropped first and
// counted. Partial lines are held until their newline arrives.
type LineBuffer struct {
	mu       sync.Mutex
	lines    []string
	start    int
	count    int
	dropped  int
	partial  bytes.Buffer
	capacity int
}

// NewLineBuffer creates a LineBuffer. A capacity <= 0 uses DefaultBufferedLines.
func NewLineBuffer(capacity int) *LineBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferedLines
	}
	return &LineBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Write implements io.Writer.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			b.partial.Write(rest)
			break
		}
		b.partial.Write(rest[:i])
		b.appendLocked(b.partial.String())
		b.partial.Reset()
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (b *LineBuffer) appendLocked(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	if b.count == b.capacity {
		b.lines[b.start] = line
		b.start = (b.start + 1) % b.capacity
		b.dropped++
		return
	}
	b.lines[(b.start+b.count)%b.capacity] = line
	b.count++
}

// Len returns the number of complete lines held.
func (b *LineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns how many lines were discarded because the buffer was full.
func (b *LineBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (b *LineBuffer) RecentLines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	if n < 0 {
		n = 0
	}
	lines := make([]string, 0, n)
	for i := b.count - n; i < b.count; i++ {
		lines = append(lines, b.lines[(b.start+i)%b.capacity])
	}
	return lines
}

// Lines returns every held line, oldest first.
func (b *LineBuffer) Lines() []string {
	return b.RecentLines(b.Len())
}

// Drain writes every held line (and any trailing partial line) to w, then
// empties the buffer. A note precedes the lines if any were dropped.
func (b *LineBuffer) Drain(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out bytes.Buffer
	if b.dropped > 0 {
		fmt.Fprintf(&out, "... %d earlier lines dropped ...\n", b.dropped)
	}
	for i := 0; i < b.count; i++ {
		out.WriteString(b.lines[(b.start+i)%b.capacity])
		out.WriteByte('\n')
	}
	if b.partial.Len() > 0 {
		out.Write(b.partial.Bytes())
		out.WriteByte('\n')
	}

	b.start, b.count, b.dropped = 0, 0, 0
	b.partial.Reset()
	for i := range b.lines {
		b.lines[i] = ""
	}

	if out.Len() == 0 {
		return nil
	}
	_, err := w.Write(out.Bytes())
	return err
}
