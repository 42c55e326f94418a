// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"os"
	"strings"

	"github.com/randomizedcoder/go-procsuite/internal/portpool"
)

// Per-test resource estimates. A test holds a handful of processes, each
// with three pipes and two log files, plus waiter probes.
const (
	fdsPerThread   = 32
	fdOverhead     = 100
	procsPerThread = 4
	procOverhead   = 50
	portsPerThread = 4
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Requirements describes the run being checked.
type Requirements struct {
	Threads   int
	TestRoot  string
	OutputDir string

	// ExcludedPorts are removed from the ephemeral range when counting
	// pool candidates. nil uses portpool.DefaultExcludedPorts.
	ExcludedPorts []int
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Failed returns the checks that did not pass.
func (r *Result) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// RunAll executes all preflight checks.
func RunAll(req Requirements) *Result {
	threads := req.Threads
	if threads < 1 {
		threads = 1
	}

	checks := []Check{
		checkFileDescriptors(threads),
		checkProcessLimit(threads, "/proc/self/limits"),
		checkCoreDumps(),
		checkPortPool(threads, req.ExcludedPorts),
		checkTestRoot(req.TestRoot),
		checkOutputDir(req.OutputDir),
	}

	result := &Result{Checks: checks, Passed: true}
	for _, c := range checks {
		if !c.Passed {
			result.Passed = false
		}
	}
	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(threads int) Check {
	required := threads*fdsPerThread + fdOverhead

	actual, ok := openFileLimit()
	if !ok {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: "unable to check on this platform",
		}
	}

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d threads)", actual, required, threads),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
// RLIMIT_NPROC is not portable, so the soft limit is read from path.
func checkProcessLimit(threads int, path string) Check {
	required := threads*procsPerThread + procOverhead

	data, err := os.ReadFile(path)
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses returns the soft "Max processes" limit from the
// contents of /proc/self/limits, or 0 when it cannot be found.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		var actual int
		fmt.Sscanf(fields[2], "%d", &actual)
		return actual
	}
	return 0
}

// checkCoreDumps warns when core files are disabled, since crashed
// processes then cannot be reported as dumped cores.
func checkCoreDumps() Check {
	limit, ok := coreFileLimit()
	switch {
	case !ok:
		return Check{
			Name:    "core_dumps",
			Passed:  true,
			Warning: true,
			Message: "unable to check on this platform",
		}
	case limit == 0:
		return Check{
			Name:    "core_dumps",
			Passed:  true,
			Warning: true,
			Message: "disabled (ulimit -c 0); crashes will not be reported as DUMPED CORE",
		}
	default:
		return Check{
			Name:    "core_dumps",
			Passed:  true,
			Message: "enabled",
		}
	}
}

// checkPortPool checks that the ephemeral range leaves enough server
// port candidates.
func checkPortPool(threads int, excluded []int) Check {
	if excluded == nil {
		excluded = portpool.DefaultExcludedPorts
	}
	low, high, err := portpool.EphemeralRange()
	candidates := len(portpool.ServerPorts(low, high, excluded))
	recommended := threads * portsPerThread

	msg := fmt.Sprintf("ephemeral %d-%d leaves %d candidates (recommend %d)", low, high, candidates, recommended)
	if err != nil {
		msg += fmt.Sprintf("; range unavailable, using defaults: %v", err)
	}

	return Check{
		Name:     "port_pool",
		Required: recommended,
		Actual:   candidates,
		Passed:   candidates > 0,
		Warning:  err != nil || candidates < recommended,
		Message:  msg,
	}
}

// checkTestRoot verifies the test root is a directory.
func checkTestRoot(root string) Check {
	info, err := os.Stat(root)
	switch {
	case err != nil:
		return Check{Name: "test_root", Message: fmt.Sprintf("%s: %v", root, err)}
	case !info.IsDir():
		return Check{Name: "test_root", Message: fmt.Sprintf("%s is not a directory", root)}
	default:
		return Check{Name: "test_root", Passed: true, Message: root}
	}
}

// checkOutputDir verifies the output directory can be created and written.
func checkOutputDir(dir string) Check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: "output_dir", Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "output_dir", Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	return Check{Name: "output_dir", Passed: true, Message: dir}
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	fmt.Println("Preflight checks:")
	for _, check := range result.Checks {
		fmt.Println(check.String())
		if !check.Passed {
			fmt.Printf("    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Println()
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "port_pool":
		return "widen net.ipv4.ip_local_port_range so ports remain below it"
	case "test_root":
		return "pass the directory containing test descriptors"
	case "output_dir":
		return "choose a writable -output directory"
	default:
		return "see documentation"
	}
}
