package e2e

import (
	"fmt"
	"strings"
)

// Results is the outcome of a whole test run.
type Results struct {
	Tests               []TestResult
	Failures            []TestResult
	NonCriticalFailures []TestResult
	Skipped             []TestResult
}

// TestResult is the outcome of a single test scope. For skipped tests, Explanation holds the skip
// reason; for non-critical failures, it holds the explanation passed to T.NonCritical.
type TestResult struct {
	TestID      TestID
	Errors      []error
	Failed      bool
	NonCritical bool
	Explanation string
}

// OK returns true if there were no failures other than non-critical ones.
func (r Results) OK() bool {
	return len(r.Failures) == 0
}

// TestID is the full name of a test: the name of each enclosing scope, outermost first.
type TestID []string

func (t TestID) String() string {
	return strings.Join(t, "/")
}

func (t TestID) Plus(name string) TestID {
	return append(append(TestID(nil), t...), name)
}

type TestFailure struct {
	ID  TestID
	Err error
}

func (f TestFailure) Error() string {
	return fmt.Sprintf("[%s]: %s", f.ID, f.Err)
}
