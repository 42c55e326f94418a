package portpool

import (
	"fmt"
	"sort"
)

const (
	// DefaultEphemeralLow and DefaultEphemeralHigh are the IANA dynamic port
	// range, used when the OS range cannot be determined.
	DefaultEphemeralLow  = 49152
	DefaultEphemeralHigh = 65535

	minServerPort = 1024
	maxPort       = 65535
)

// DefaultExcludedPorts are ports that common browsers refuse to connect to,
// so servers under test should not listen on them.
var DefaultExcludedPorts = []int{
	1719, 1720, 1723, 2049, 3659, 4045, 5060, 5061,
	6000, 6566, 6665, 6666, 6667, 6668, 6669, 6697, 10080,
}

// EphemeralRange returns the OS client port range. On error it returns the
// default range together with the error.
func EphemeralRange() (low, high int, err error) {
	low, high, err = ephemeralRange()
	if err != nil {
		return DefaultEphemeralLow, DefaultEphemeralHigh, err
	}
	if low < 1 || high > maxPort || low > high {
		return DefaultEphemeralLow, DefaultEphemeralHigh, fmt.Errorf("invalid ephemeral range %d-%d", low, high)
	}
	return low, high, nil
}

// ServerPorts returns every port in [1024,65535] outside [low,high] and not
// in excluded, in ascending order.
func ServerPorts(low, high int, excluded []int) []int {
	skip := make(map[int]struct{}, len(excluded))
	for _, p := range excluded {
		skip[p] = struct{}{}
	}

	var ports []int
	for p := minServerPort; p <= maxPort; p++ {
		if p >= low && p <= high {
			continue
		}
		if _, ok := skip[p]; ok {
			continue
		}
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
