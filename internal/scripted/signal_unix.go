//go:build !windows

package scripted

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// parseSignal accepts a signal name with or without the SIG prefix, in any
// case, or a signal number. Empty means SIGTERM.
func parseSignal(s string) (os.Signal, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return unix.SIGTERM, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(unix.Signal(n)) == "" {
			return nil, fmt.Errorf("unknown signal %q", s)
		}
		return unix.Signal(n), nil
	}
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	sig := unix.SignalNum(s)
	if sig == 0 {
		return nil, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}
