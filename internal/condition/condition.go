// Package condition parses and evaluates small integer predicates such as
// ">=1" or "==0", used for exit statuses and log match counts.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
	OpGreaterEqual Op = ">="
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpLess         Op = "<"
)

// two-character operators must be tried before their one-character prefixes
var operators = []Op{OpEqual, OpNotEqual, OpGreaterEqual, OpLessEqual, OpGreater, OpLess}

// Condition compares an integer against a fixed operand.
type Condition struct {
	Op      Op
	Operand int
}

// Common conditions.
var (
	ExitSuccess = Condition{Op: OpEqual, Operand: 0}
	AtLeastOnce = Condition{Op: OpGreaterEqual, Operand: 1}
)

// Parse parses an expression such as ">=1". A bare integer means "==".
func Parse(expr string) (Condition, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Condition{}, fmt.Errorf("empty condition")
	}

	op := OpEqual
	for _, candidate := range operators {
		if strings.HasPrefix(s, string(candidate)) {
			op = candidate
			s = strings.TrimSpace(s[len(candidate):])
			break
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return Condition{}, fmt.Errorf("invalid condition %q: %w", expr, err)
	}
	return Condition{Op: op, Operand: n}, nil
}

// MustParse is Parse for constant expressions. It panics on error.
func MustParse(expr string) Condition {
	c, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Eval reports whether n satisfies the condition.
func (c Condition) Eval(n int) bool {
	switch c.Op {
	case OpEqual:
		return n == c.Operand
	case OpNotEqual:
		return n != c.Operand
	case OpGreaterEqual:
		return n >= c.Operand
	case OpLessEqual:
		return n <= c.Operand
	case OpGreater:
		return n > c.Operand
	case OpLess:
		return n < c.Operand
	default:
		return false
	}
}

// String returns the expression form, e.g. ">=1".
func (c Condition) String() string {
	op := c.Op
	if op == "" {
		op = OpEqual
	}
	return fmt.Sprintf("%s%d", op, c.Operand)
}

// IsZero reports whether c is the zero value.
func (c Condition) IsZero() bool {
	return c.Op == "" && c.Operand == 0
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Condition) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
