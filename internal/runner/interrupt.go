package runner

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// InterruptPolicy selects what Interrupt does.
type InterruptPolicy int

const (
	// InterruptPrompt asks whether to continue; anything but yes drains.
	InterruptPrompt InterruptPolicy = iota

	// InterruptDrain stops submitting and waits for running tests.
	InterruptDrain

	// InterruptAbort drains and also cancels running tests.
	InterruptAbort
)

// String returns the policy name.
func (p InterruptPolicy) String() string {
	switch p {
	case InterruptPrompt:
		return "prompt"
	case InterruptDrain:
		return "drain"
	case InterruptAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ParseInterruptPolicy parses "prompt", "drain" or "abort".
func ParseInterruptPolicy(s string) (InterruptPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prompt":
		return InterruptPrompt, nil
	case "drain":
		return InterruptDrain, nil
	case "abort":
		return InterruptAbort, nil
	default:
		return InterruptPrompt, fmt.Errorf("invalid interrupt policy %q (must be prompt, drain or abort)", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *InterruptPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseInterruptPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Prompter asks the user a question and returns the answer.
type Prompter interface {
	Prompt(question string) (string, error)
}

// LinePrompter writes the question to Out and reads one line from In.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer
}

// Prompt implements Prompter.
func (lp LinePrompter) Prompt(question string) (string, error) {
	if _, err := fmt.Fprintf(lp.Out, "%s ", question); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(lp.In).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// continuePrompt is the question asked under InterruptPrompt.
const continuePrompt = "continue running tests? [yes|no]"

func answeredYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
