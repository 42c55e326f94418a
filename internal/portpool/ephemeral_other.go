//go:build !linux && !darwin && !windows

package portpool

import "errors"

func ephemeralRange() (int, int, error) {
	return 0, 0, errors.New("ephemeral port range query not supported on this platform")
}
