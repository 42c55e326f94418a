package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// stdinPollInterval is how often the stdin writer rechecks an empty queue.
const stdinPollInterval = 250 * time.Millisecond

type stdinItem struct {
	data  string
	close bool
}

// Write queues data for the process's stdin and returns immediately.
//
// A writer goroutine is started on first use. It drains the queue and exits
// once the process has exited and nothing is left to write. With
// closeAfterWrite, stdin is closed after this item is written.
func (p *Process) Write(data string, addNewLine, closeAfterWrite bool) error {
	if !p.Running() {
		return fmt.Errorf("%w: cannot write to %s", ErrNotRunning, p.name)
	}
	if addNewLine && !strings.HasSuffix(data, "\n") {
		data += "\n"
	}

	p.queueMu.Lock()
	p.queue = append(p.queue, stdinItem{data: data, close: closeAfterWrite})
	if !p.writerStarted {
		p.writerStarted = true
		p.writerDone = make(chan struct{})
		go p.stdinWriter()
	}
	p.queueMu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *Process) stdinWriter() {
	defer close(p.writerDone)

	for {
		if item, ok := p.dequeue(); ok {
			p.writeStdin(item)
			continue
		}
		if !p.Running() {
			return
		}
		select {
		case <-p.notify:
		case <-time.After(stdinPollInterval):
		}
	}
}

func (p *Process) dequeue() (stdinItem, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) == 0 {
		return stdinItem{}, false
	}
	item := p.queue[0]
	p.queue = p.queue[1:]
	return item, true
}

func (p *Process) writeStdin(item stdinItem) {
	p.mu.Lock()
	if p.stdinClosed || p.handle == nil {
		p.mu.Unlock()
		p.logger.Debug("stdin_write_dropped", "bytes", len(item.data))
		return
	}
	w := p.handle.Stdin()
	p.mu.Unlock()

	// The pipe write may block on a slow reader, so it runs unlocked.
	if _, err := w.Write([]byte(item.data)); err != nil {
		p.logger.Debug("stdin_write_failed", "error", err)
	}

	if item.close {
		p.mu.Lock()
		p.closeStdinLocked()
		p.mu.Unlock()
	}
}

// closeStdinLocked closes stdin at most once.
func (p *Process) closeStdinLocked() {
	if p.stdinClosed || p.handle == nil {
		return
	}
	p.stdinClosed = true
	if w := p.handle.Stdin(); w != nil {
		w.Close()
	}
}

// WaitWriter blocks until the stdin writer has exited or timeout elapses.
// It returns true if no writer is running.
func (p *Process) WaitWriter(timeout time.Duration) bool {
	p.queueMu.Lock()
	done := p.writerDone
	p.queueMu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
