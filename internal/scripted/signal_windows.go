//go:build windows

package scripted

import (
	"fmt"
	"os"
	"strings"
)

// parseSignal accepts INT and KILL, the only signals Windows processes
// can be sent. Empty means KILL.
func parseSignal(s string) (os.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "SIG") {
	case "INT":
		return os.Interrupt, nil
	case "", "KILL", "TERM":
		return os.Kill, nil
	default:
		return nil, fmt.Errorf("unsupported signal %q", s)
	}
}
