package waiter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// maxDialTimeout caps a single connection attempt.
const maxDialTimeout = time.Second

// ForSocket blocks until a TCP connection to host:port succeeds. The
// connection is closed immediately. Empty host means localhost.
func ForSocket(ctx context.Context, host string, port int, opts Options) error {
	opts = opts.withDefaults(DefaultSocketTimeout, SocketPollInterval)
	if host == "" {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	opts.Logger.Debug("waiting_for_socket", "addr", addr, "timeout", opts.Timeout.String())

	dialer := net.Dialer{Timeout: maxDialTimeout}
	p := newPoller(opts, "socket "+addr)
	return p.run(ctx,
		func() (bool, error) {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return false, nil
			}
			conn.Close()
			return true, nil
		},
		func(secs int) string {
			return fmt.Sprintf("timed out waiting for socket connection to %s after %d secs", addr, secs)
		},
	)
}
