package waiter

import (
	"context"
	"fmt"
	"os"
)

// ForFile blocks until path exists.
func ForFile(ctx context.Context, path string, opts Options) error {
	opts = opts.withDefaults(DefaultFileTimeout, FilePollInterval)
	opts.Logger.Debug("waiting_for_file", "path", path, "timeout", opts.Timeout.String())

	p := newPoller(opts, "file "+path)
	return p.run(ctx,
		func() (bool, error) {
			_, err := os.Stat(path)
			return err == nil, nil
		},
		func(secs int) string {
			return fmt.Sprintf("timed out waiting for creation of file %s after %d secs", path, secs)
		},
	)
}
