package strategy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/caio-sobreiro/dicomscp/dicom"
)

// Expression extracts a value from a dataset. Each line has the form
// (gggg,eeee):regex; the first line whose regex matches the element value
// yields its first capture group, or the whole match if it has none.
type Expression struct {
	rules []rule
}

type rule struct {
	tag dicom.Tag
	re  *regexp.Regexp
}

// Routing holds the compiled project, subject and session expressions.
// Any of them may be nil.
type Routing struct {
	Project *Expression
	Subject *Expression
	Session *Expression
}

// CompileRouting compiles the three routing expressions. Blank expressions
// compile to nil.
func CompileRouting(project, subject, session string) (*Routing, error) {
	var r Routing
	var err error
	if r.Project, err = CompileExpression(project); err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	if r.Subject, err = CompileExpression(subject); err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if r.Session, err = CompileExpression(session); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &r, nil
}

// CompileExpression parses a routing expression.
func CompileExpression(src string) (*Expression, error) {
	var e Expression
	for n, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := parseRule(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		e.rules = append(e.rules, r)
	}
	if len(e.rules) == 0 {
		return nil, nil
	}
	return &e, nil
}

func parseRule(line string) (rule, error) {
	// (gggg,eeee):
	if len(line) < 12 || line[0] != '(' || line[5] != ',' || line[10] != ')' || line[11] != ':' {
		return rule{}, fmt.Errorf("expected (gggg,eeee):regex, got %q", line)
	}
	group, err := strconv.ParseUint(line[1:5], 16, 16)
	if err != nil {
		return rule{}, fmt.Errorf("bad group in %q", line)
	}
	element, err := strconv.ParseUint(line[6:10], 16, 16)
	if err != nil {
		return rule{}, fmt.Errorf("bad element in %q", line)
	}
	re, err := regexp.Compile(line[12:])
	if err != nil {
		return rule{}, err
	}
	return rule{tag: dicom.Tag{Group: uint16(group), Element: uint16(element)}, re: re}, nil
}

// Evaluate returns the extracted value and whether any rule matched.
func (e *Expression) Evaluate(ds *dicom.Dataset) (string, bool) {
	if e == nil || ds == nil {
		return "", false
	}
	for _, r := range e.rules {
		m := r.re.FindStringSubmatch(ds.GetString(r.tag))
		if m == nil {
			continue
		}
		if len(m) > 1 {
			return strings.TrimSpace(m[1]), true
		}
		return strings.TrimSpace(m[0]), true
	}
	return "", false
}
