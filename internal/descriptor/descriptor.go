// Package descriptor loads test descriptors: the descriptor.yaml file in
// each test directory that names the test, its modes and its steps.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the descriptor file looked for in each test directory.
const FileName = "descriptor.yaml"

// DefaultClass is the test kind used when a descriptor names none.
const DefaultClass = "scripted"

// State is the runnability of a test.
type State string

const (
	StateRunnable State = "runnable"
	StateSkipped  State = "skipped"
)

// Step is one action in an execute or validate list. Which fields apply
// depends on Action.
type Step struct {
	Action string `yaml:"action" json:"action"`

	// Name is the process display name (start) or port name (allocate_port).
	Name    string            `yaml:"name,omitempty" json:"name,omitempty"`
	Process string            `yaml:"process,omitempty" json:"process,omitempty"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Mode    string            `yaml:"mode,omitempty" json:"mode,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Stdout  string            `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr  string            `yaml:"stderr,omitempty" json:"stderr,omitempty"`

	ExpectedExitStatus string `yaml:"expected_exit_status,omitempty" json:"expected_exit_status,omitempty"`
	IgnoreExitStatus   bool   `yaml:"ignore_exit_status,omitempty" json:"ignore_exit_status,omitempty"`
	AbortOnError       *bool  `yaml:"abort_on_error,omitempty" json:"abort_on_error,omitempty"`

	Family string `yaml:"family,omitempty" json:"family,omitempty"`
	Host   string `yaml:"host,omitempty" json:"host,omitempty"`
	Port   string `yaml:"port,omitempty" json:"port,omitempty"`

	File       string   `yaml:"file,omitempty" json:"file,omitempty"`
	Expr       string   `yaml:"expr,omitempty" json:"expr,omitempty"`
	Condition  string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	Ignores    []string `yaml:"ignores,omitempty" json:"ignores,omitempty"`
	ErrorExprs []string `yaml:"error_exprs,omitempty" json:"error_exprs,omitempty"`

	Signal  string `yaml:"signal,omitempty" json:"signal,omitempty"`
	Data    string `yaml:"data,omitempty" json:"data,omitempty"`
	NewLine *bool  `yaml:"newline,omitempty" json:"newline,omitempty"`
	Close   bool   `yaml:"close,omitempty" json:"close,omitempty"`
	Hard    bool   `yaml:"hard,omitempty" json:"hard,omitempty"`
	Status  string `yaml:"status,omitempty" json:"status,omitempty"`

	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// Descriptor describes one test. It is read-only once loaded.
type Descriptor struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title,omitempty" json:"title,omitempty"`
	Purpose       string   `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	Class         string   `yaml:"class,omitempty" json:"class,omitempty"`
	State         State    `yaml:"state,omitempty" json:"state,omitempty"`
	SkippedReason string   `yaml:"skipped_reason,omitempty" json:"skipped_reason,omitempty"`
	Modes         []string `yaml:"modes,omitempty" json:"modes,omitempty"`
	Groups        []string `yaml:"groups,omitempty" json:"groups,omitempty"`

	Input     string `yaml:"input,omitempty" json:"input,omitempty"`
	Output    string `yaml:"output,omitempty" json:"output,omitempty"`
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"`

	Execute  []Step `yaml:"execute,omitempty" json:"execute,omitempty"`
	Validate []Step `yaml:"validate,omitempty" json:"validate,omitempty"`

	// Dir is the test directory. Input, Output and Reference are absolute
	// once loaded.
	Dir string `yaml:"-" json:"dir"`
}

// Runnable reports whether the test is marked runnable.
func (d *Descriptor) Runnable() bool {
	return d.State != StateSkipped
}

// SupportsMode reports whether mode is among the test's modes. A test with
// no modes, or an empty mode, always matches.
func (d *Descriptor) SupportsMode(mode string) bool {
	if mode == "" || len(d.Modes) == 0 {
		return true
	}
	return slices.Contains(d.Modes, mode)
}

// String returns the test id.
func (d *Descriptor) String() string {
	return d.ID
}

// Load reads, validates and resolves the descriptor at path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse validates and decodes descriptor data for the test in dir.
func Parse(data []byte, dir string) (*Descriptor, error) {
	if err := ValidateYAML(data); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	d := &Descriptor{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: decode descriptor: %w", dir, err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	d.Dir = absDir
	d.applyDefaults()
	return d, nil
}

func (d *Descriptor) applyDefaults() {
	if d.ID == "" {
		d.ID = filepath.Base(d.Dir)
	}
	if d.Class == "" {
		d.Class = DefaultClass
	}
	if d.State == "" {
		d.State = StateRunnable
	}
	d.Input = d.resolve(d.Input, "Input")
	d.Output = d.resolve(d.Output, "Output")
	d.Reference = d.resolve(d.Reference, "Reference")
}

func (d *Descriptor) resolve(path, def string) string {
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(d.Dir, path)
}

// Discover finds every descriptor below root, sorted by id. With ids,
// only those tests are returned, and an unknown id is an error. All
// invalid descriptors are reported together.
func Discover(root string, ids []string) ([]*Descriptor, error) {
	var (
		found []*Descriptor
		errs  []error
	)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(entry.Name(), ".") {
			return fs.SkipDir
		}

		descPath := filepath.Join(path, FileName)
		if _, err := os.Stat(descPath); err != nil {
			return nil
		}

		d, err := Load(descPath)
		if err != nil {
			errs = append(errs, err)
		} else {
			found = append(found, d)
		}
		// tests do not nest
		return fs.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	seen := make(map[string]string, len(found))
	for _, d := range found {
		if other, ok := seen[d.ID]; ok {
			errs = append(errs, fmt.Errorf("duplicate test id %q in %s and %s", d.ID, other, d.Dir))
		}
		seen[d.ID] = d.Dir
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })

	if len(ids) == 0 {
		return found, nil
	}
	return filter(found, ids)
}

// filter keeps the descriptors named by ids, in id order.
func filter(all []*Descriptor, ids []string) ([]*Descriptor, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = false
	}

	var out []*Descriptor
	for _, d := range all {
		if _, ok := wanted[d.ID]; ok {
			wanted[d.ID] = true
			out = append(out, d)
		}
	}

	var errs []error
	for _, id := range ids {
		if !wanted[id] {
			errs = append(errs, fmt.Errorf("no test with id %q", id))
			wanted[id] = true
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// SelectGroups keeps the descriptors in at least one include group, or
// every descriptor when include is empty, then drops those in any exclude
// group. Order is preserved.
func SelectGroups(descs []*Descriptor, include, exclude []string) []*Descriptor {
	if len(include) == 0 && len(exclude) == 0 {
		return descs
	}
	var out []*Descriptor
	for _, d := range descs {
		if len(include) > 0 && !inAnyGroup(d, include) {
			continue
		}
		if inAnyGroup(d, exclude) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func inAnyGroup(d *Descriptor, groups []string) bool {
	for _, g := range groups {
		if slices.Contains(d.Groups, g) {
			return true
		}
	}
	return false
}
