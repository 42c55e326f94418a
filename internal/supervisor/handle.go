package supervisor

import (
	"io"
	"os"
	"runtime"
	"sort"
)

// Spec is everything a Spawner needs to create one OS process.
type Spec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string

	// Stdout and Stderr receive the process output. Nil discards it.
	Stdout *os.File
	Stderr *os.File
}

// Handle is a platform process handle.
//
// Poll must not block. Terminate acts on the whole process group or job.
// Release frees OS resources once the exit has been observed.
type Handle interface {
	Pid() int
	Poll() (status int, exited bool)
	Terminate(hard bool) error
	Signal(sig os.Signal) error
	Stdin() io.WriteCloser
	Release() error
}

// Spawner creates Handles.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// DefaultEnv returns the minimal environment given to processes that do not
// set one explicitly.
func DefaultEnv() map[string]string {
	env := map[string]string{}

	path := os.Getenv("PATH")
	if path == "" && runtime.GOOS != "windows" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	if path != "" {
		env["PATH"] = path
	}

	if runtime.GOOS == "windows" {
		for _, key := range []string{"SYSTEMROOT", "WINDIR", "COMSPEC", "TEMP", "TMP", "PATHEXT"} {
			if v := os.Getenv(key); v != "" {
				env[key] = v
			}
		}
	} else {
		env["LANG"] = "C"
	}
	return env
}

// envList flattens env into sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
