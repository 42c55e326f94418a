//go:build !windows

package preflight

import "golang.org/x/sys/unix"

// openFileLimit returns the soft RLIMIT_NOFILE.
func openFileLimit() (int, bool) {
	return softLimit(unix.RLIMIT_NOFILE)
}

// coreFileLimit returns the soft RLIMIT_CORE.
func coreFileLimit() (int, bool) {
	return softLimit(unix.RLIMIT_CORE)
}

func softLimit(resource int) (int, bool) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(resource, &limit); err != nil {
		return 0, false
	}
	if limit.Cur == unix.RLIM_INFINITY || limit.Cur > 1<<31-1 {
		return 1<<31 - 1, true
	}
	return int(limit.Cur), true
}
