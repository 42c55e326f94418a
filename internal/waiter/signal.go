package waiter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/randomizedcoder/go-procsuite/internal/condition"
)

// maxLineLength bounds a single scanned log line.
const maxLineLength = 1024 * 1024

// SignalOptions extends Options for ForSignal.
type SignalOptions struct {
	Options

	// Condition on the match count. The zero value means ">=1".
	Condition condition.Condition

	// Ignores are patterns; a line matching any of them is not counted.
	Ignores []string

	// ErrorExprs are patterns that fail the wait as soon as one matches.
	ErrorExprs []string
}

// MatchError is returned when a line matches an error expression.
type MatchError struct {
	Line string
}

// Error implements error.
func (e *MatchError) Error() string {
	return fmt.Sprintf("'%s' found during wait for signal", e.Line)
}

// Is reports whether target is ErrErrorExpression.
func (e *MatchError) Is(target error) bool {
	return target == ErrErrorExpression
}

// ForSignal blocks until the number of lines in path matching expr (and no
// ignore pattern) satisfies the condition, then returns those lines. A
// missing file counts as zero matches. When an error expression matches it
// returns a *MatchError together with the lines matched so far.
func ForSignal(ctx context.Context, path, expr string, opts SignalOptions) ([]string, error) {
	opts.Options = opts.Options.withDefaults(DefaultSignalTimeout, SignalPollInterval)
	cond := opts.Condition
	if cond.IsZero() {
		cond = condition.AtLeastOnce
	}

	m, err := newMatcher(expr, opts.Ignores, opts.ErrorExprs)
	if err != nil {
		return nil, err
	}

	opts.Logger.Debug("waiting_for_signal",
		"path", path,
		"expr", expr,
		"condition", cond.String(),
		"timeout", opts.Timeout.String(),
	)

	var (
		matches []string
		exists  bool
	)
	p := newPoller(opts.Options, fmt.Sprintf("signal %q in %s", expr, path))
	err = p.run(ctx,
		func() (bool, error) {
			var (
				errLine string
				scanErr error
			)
			matches, errLine, exists, scanErr = m.scan(path)
			if scanErr != nil {
				return false, scanErr
			}
			if errLine != "" {
				return false, &MatchError{Line: errLine}
			}
			return cond.Eval(len(matches)), nil
		},
		func(secs int) string {
			detail := fmt.Sprintf("with %d matches", len(matches))
			if !exists {
				detail = "file does not exist"
			}
			return fmt.Sprintf("timed out waiting for signal %q (%s) in %s after %d secs, %s",
				expr, cond.String(), path, secs, detail)
		},
	)
	if err != nil {
		if errors.Is(err, ErrErrorExpression) {
			return matches, err
		}
		return nil, err
	}
	return matches, nil
}

// CountMatches counts the lines of path matching expr and no ignore
// pattern, in one pass. A missing file has zero matches.
func CountMatches(path, expr string, ignores []string) (int, error) {
	m, err := newMatcher(expr, ignores, nil)
	if err != nil {
		return 0, err
	}
	matches, _, _, err := m.scan(path)
	return len(matches), err
}

type matcher struct {
	expr    *regexp.Regexp
	ignores []*regexp.Regexp
	errors  []*regexp.Regexp
}

func newMatcher(expr string, ignores, errorExprs []string) (*matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	m := &matcher{expr: re}
	if m.ignores, err = compileAll(ignores); err != nil {
		return nil, err
	}
	if m.errors, err = compileAll(errorExprs); err != nil {
		return nil, err
	}
	return m, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid expression %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// scan reads path once. It returns the matching lines, the first line that
// matched an error expression, and whether the file exists.
func (m *matcher) scan(path string) (matches []string, errLine string, exists bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if errLine == "" {
			for _, re := range m.errors {
				if re.MatchString(line) {
					errLine = line
					break
				}
			}
		}

		if !m.expr.MatchString(line) || anyMatch(m.ignores, line) {
			continue
		}
		matches = append(matches, line)
	}
	if err := scanner.Err(); err != nil {
		return matches, errLine, true, fmt.Errorf("read %s: %w", path, err)
	}
	return matches, errLine, true, nil
}

func anyMatch(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
