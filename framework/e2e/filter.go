package e2e

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/fhir-harness/fhir-test-harness/framework"
)

// Filter determines whether to run a specific test or not.
type Filter interface {
	Match(id TestID) bool
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(TestID) bool

func (f FilterFunc) Match(id TestID) bool { return f(id) }

// AllFilters returns a Filter that matches only if every non-nil filter matches.
func AllFilters(filters ...Filter) Filter {
	return FilterFunc(func(id TestID) bool {
		for _, f := range filters {
			if f != nil && !f.Match(id) {
				return false
			}
		}
		return true
	})
}

type RegexFilters struct {
	MustMatch    TestIDPatternList
	MustNotMatch TestIDPatternList
}

func (r RegexFilters) Match(id TestID) bool {
	return (!r.MustMatch.IsDefined() || r.MustMatch.AnyMatch(id, true)) &&
		!r.MustNotMatch.AnyMatch(id, false)
}

func (r RegexFilters) IsDefined() bool {
	return r.MustMatch.IsDefined() || r.MustNotMatch.IsDefined()
}

type TestIDPattern []*regexp.Regexp

func (p TestIDPattern) Match(id TestID, includeParents bool) bool {
	n := len(p)
	if n > len(id) {
		if !includeParents {
			return false
		}
		n = len(id)
	}
	for i := 0; i < n; i++ {
		if !p[i].MatchString(id[i]) {
			return false
		}
	}
	return true
}

func (p TestIDPattern) String() string {
	ss := make([]string, 0, len(p))
	for _, c := range p {
		ss = append(ss, c.String())
	}
	return strings.Join(ss, "/")
}

// ParseTestIDPattern parses a slash-separated pattern where each segment is a regex that must match
// the corresponding level of a test ID. As with "go test -run", segments are not anchored.
func ParseTestIDPattern(s string) (TestIDPattern, error) {
	parts := strings.Split(s, "/")
	ret := make(TestIDPattern, 0, len(parts))
	for _, part := range parts {
		rx, err := regexp.Compile(part)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", part, err)
		}
		ret = append(ret, rx)
	}
	return ret, nil
}

type TestIDPatternList []TestIDPattern

func (l TestIDPatternList) String() string {
	ss := make([]string, 0, len(l))
	for _, p := range l {
		ss = append(ss, `"`+p.String()+`"`)
	}
	return strings.Join(ss, " or ")
}

// Set is called by the command line parser.
func (l *TestIDPatternList) Set(value string) error {
	p, err := ParseTestIDPattern(value)
	if err != nil {
		return err
	}
	*l = append(*l, p)
	return nil
}

// Type is required by pflag.Value.
func (l *TestIDPatternList) Type() string {
	return "pattern"
}

func (l TestIDPatternList) IsDefined() bool {
	return len(l) != 0
}

func (l TestIDPatternList) AnyMatch(id TestID, includeParents bool) bool {
	for _, p := range l {
		if p.Match(id, includeParents) {
			return true
		}
	}
	return false
}

// ReadSuppressions parses a suppression list: one test ID per line, with blank lines and lines
// starting with "#" ignored. Each line is treated as a literal ID, not a pattern.
func ReadSuppressions(r io.Reader) (TestIDPatternList, error) {
	var ret TestIDPatternList
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "/")
		p := make(TestIDPattern, 0, len(parts))
		for _, part := range parts {
			p = append(p, regexp.MustCompile("^"+regexp.QuoteMeta(part)+"$"))
		}
		ret = append(ret, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// ReadSuppressionsFile is ReadSuppressions applied to a file.
func ReadSuppressionsFile(path string) (TestIDPatternList, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("cannot read suppression file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadSuppressions(f)
}

// PrintFilterDescription explains to the user why some tests may not run.
func PrintFilterDescription(
	out io.Writer,
	filters RegexFilters,
	allCapabilities []string,
	supported framework.Capabilities,
) {
	if filters.IsDefined() {
		_, _ = fmt.Fprintln(out, "Some tests will be skipped based on the filter criteria for this test run:")
		if filters.MustMatch.IsDefined() {
			_, _ = fmt.Fprintf(out, "  skip any not matching %s\n", filters.MustMatch)
		}
		if filters.MustNotMatch.IsDefined() {
			_, _ = fmt.Fprintf(out, "  skip any matching %s\n", filters.MustNotMatch)
		}
		_, _ = fmt.Fprintln(out)
	}

	var missing []string
	for _, c := range allCapabilities {
		if !supported.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		_, _ = fmt.Fprintln(out, "Some tests may be skipped because the server does not support the following capabilities:")
		_, _ = fmt.Fprintf(out, "  %s\n", strings.Join(missing, ", "))
		_, _ = fmt.Fprintln(out)
	}
}
