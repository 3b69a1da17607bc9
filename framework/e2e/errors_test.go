package e2e

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/framework/e2e/internal"
)

func TestStacktrace(t *testing.T) {
	_ = Run(TestConfiguration{}, func(e *T) {
		e.Run("without filtering", func(e *T) {
			stack := getStacktrace(true, nil)
			require.Greater(t, len(stack), 1)
			assert.Equal(t, currentPackageName(), stack[0].Package)
			assert.Contains(t, stack[0].Function, "TestStacktrace.")
			assert.Equal(t, currentPackageName(), stack[1].Package)
			assert.Equal(t, "(*T).run", stack[1].Function)
		})

		e.Run("auto-filtering removes e2e methods", func(e *T) {
			internal.RunAction(func() {
				stack := getStacktrace(false, nil)
				require.Len(t, stack, 1)
				assert.Equal(t, currentPackageName()+"/internal", stack[0].Package)
				assert.Equal(t, "RunAction", stack[0].Function)
			})
		})

		e.Run("filter out designated helpers", func(e *T) {
			helperFunc1(func() {
				helperFunc2(func() {
					stack := getStacktrace(true, []string{currentPackageName() + ".helperFunc2"})
					foundFunc1 := false
					for _, s := range stack {
						if s.Package == currentPackageName() && s.Function == "helperFunc1" {
							foundFunc1 = true
						} else if s.Package == currentPackageName() && s.Function == "helperFunc2" {
							require.Fail(t, "helperFunc2 should not have been in stacktrace", "stacktrace: %+v", stack)
						}
					}
					assert.True(t, foundFunc1, "helperFunc1 should have been in stacktrace but wasn't")
				})
			})
		})
	})
}

func TestTransformErrorStripsTestifyTrace(t *testing.T) {
	err := errors.New("\n\tError Trace:\tfoo.go:12\n\tError:      \tNot equal: 1 != 2")
	out := transformError(err, nil)
	assert.Equal(t, "Not equal: 1 != 2", out.Error())

	withStack := transformError(errors.New("plain"), []StacktraceInfo{{FileName: "a.go", Package: "p", Function: "F", Line: 3}})
	var es ErrorWithStacktrace
	require.True(t, errors.As(withStack, &es))
	assert.Equal(t, "plain", es.Message)
	assert.Len(t, es.Stacktrace, 1)
}

func TestRootPackageName(t *testing.T) {
	assert.Equal(t, "github.com/fhir-harness/fhir-test-harness", rootPackageName())
}

func helperFunc1(action func()) {
	action()
}

func helperFunc2(action func()) {
	action()
}
