//go:build linux

package portpool

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const ipLocalPortRange = "/proc/sys/net/ipv4/ip_local_port_range"

func ephemeralRange() (int, int, error) {
	data, err := os.ReadFile(ipLocalPortRange)
	if err != nil {
		return 0, 0, err
	}
	return parsePortRange(string(data))
}

// parsePortRange parses "32768\t60999\n".
func parsePortRange(s string) (int, int, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected port range %q", s)
	}
	low, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("port range low: %w", err)
	}
	high, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("port range high: %w", err)
	}
	return low, high, nil
}
