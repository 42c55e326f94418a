package scripted

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// varPattern matches ${name} and ${port.NAME}.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_-]+)?)\}`)

// expand substitutes ${port.NAME}, ${output}, ${input}, ${reference} and
// ${mode} in s. Other text, including shell variables such as $HOME or
// ${HOME}, is left untouched. Naming a port that was never allocated is an
// error.
func (t *Test) expand(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var firstErr error
	out := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if portName, ok := strings.CutPrefix(name, "port."); ok {
			port, found := t.ports[portName]
			if !found {
				if firstErr == nil {
					firstErr = fmt.Errorf("port %q has not been allocated", portName)
				}
				return match
			}
			return strconv.Itoa(port)
		}

		switch name {
		case "output":
			return t.base.Output
		case "input":
			return t.base.Input
		case "reference":
			return t.base.Reference
		case "mode":
			return t.base.Mode
		default:
			return match
		}
	})
	return out, firstErr
}

func (t *Test) expandAll(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		expanded, err := t.expand(s)
		if err != nil {
			return nil, err
		}
		out[i] = expanded
	}
	return out, nil
}
