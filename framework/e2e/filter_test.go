package e2e

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/framework"
)

type regexFilterTestParams struct {
	run         []string
	skip        []string
	testID      TestID
	shouldMatch bool
}

func TestRegexFilters(t *testing.T) {
	allParams := []regexFilterTestParams{
		// matches everything by default
		{nil, nil, TestID(nil), true},
		{nil, nil, TestID{"a"}, true},
		{nil, nil, TestID{"a", "b"}, true},

		// --run with single component
		{[]string{"a"}, nil, TestID(nil), true},
		{[]string{"a"}, nil, TestID{"a"}, true},
		{[]string{"a"}, nil, TestID{"b"}, false},
		{[]string{"a"}, nil, TestID{"xax"}, true},
		{[]string{"a"}, nil, TestID{"a", "b"}, true},

		// --run with multiple components
		{[]string{"a/b"}, nil, TestID(nil), true},
		{[]string{"a/b"}, nil, TestID{"a"}, true},
		{[]string{"a/b"}, nil, TestID{"b"}, false},
		{[]string{"a/b"}, nil, TestID{"a", "b"}, true},
		{[]string{"a/b"}, nil, TestID{"xax", "xbx"}, true},

		// --run with multiple patterns
		{[]string{"a", "b"}, nil, TestID{"a"}, true},
		{[]string{"a", "b"}, nil, TestID{"b"}, true},
		{[]string{"a", "b"}, nil, TestID{"c"}, false},
		{[]string{"a", "b"}, nil, TestID{"b", "c"}, true},

		// --skip with single component
		{nil, []string{"a"}, TestID(nil), true},
		{nil, []string{"a"}, TestID{"a"}, false},
		{nil, []string{"a"}, TestID{"b"}, true},
		{nil, []string{"a"}, TestID{"xax"}, false},
		{nil, []string{"a"}, TestID{"a", "b"}, false},

		// --skip with multiple components
		{nil, []string{"a/b"}, TestID{"a"}, true},
		{nil, []string{"a/b"}, TestID{"a", "b"}, false},
		{nil, []string{"a/b"}, TestID{"a", "b", "c"}, false},
		{nil, []string{"a/b"}, TestID{"a", "c"}, true},

		// --skip overrides --run
		{[]string{"y"}, []string{"n"}, TestID{"y"}, true},
		{[]string{"y"}, []string{"n"}, TestID{"yn"}, false},
	}
	for _, params := range allParams {
		var r RegexFilters
		for _, s := range params.run {
			require.NoError(t, r.MustMatch.Set(s))
		}
		for _, s := range params.skip {
			require.NoError(t, r.MustNotMatch.Set(s))
		}
		t.Run(fmt.Sprintf("run=%s, skip=%s, id=%s", r.MustMatch, r.MustNotMatch, params.testID), func(t *testing.T) {
			assert.Equal(t, params.shouldMatch, r.Match(params.testID))
		})
	}
}

func TestInvalidPattern(t *testing.T) {
	var l TestIDPatternList
	assert.Error(t, l.Set("crud/(unclosed"))
	assert.False(t, l.IsDefined())
}

func TestReadSuppressions(t *testing.T) {
	input := `
# known failures on this server
export/patient-level/includes only compartment data
import/malformed (line).ndjson
`
	list, err := ReadSuppressions(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, list, 2)

	filters := RegexFilters{MustNotMatch: list}
	assert.False(t, filters.Match(TestID{"export", "patient-level", "includes only compartment data"}))
	assert.True(t, filters.Match(TestID{"export", "patient-level"}))
	assert.True(t, filters.Match(TestID{"export", "patient-level", "includes only compartment data 2"}))
	assert.False(t, filters.Match(TestID{"import", "malformed (line).ndjson"}))
	assert.True(t, filters.Match(TestID{"import", "malformed line.ndjson"}))
}

func TestAllFilters(t *testing.T) {
	var r RegexFilters
	require.NoError(t, r.MustMatch.Set("crud"))
	f := AllFilters(r, nil, FilterFunc(func(id TestID) bool { return len(id) < 2 || id[1] != "delete" }))
	assert.True(t, f.Match(TestID{"crud", "create"}))
	assert.False(t, f.Match(TestID{"crud", "delete"}))
	assert.False(t, f.Match(TestID{"search"}))
}

func TestPrintFilterDescription(t *testing.T) {
	var r RegexFilters
	require.NoError(t, r.MustNotMatch.Set("export"))
	var buf bytes.Buffer
	PrintFilterDescription(&buf, r, []string{"batch", "export"}, framework.Capabilities{"batch"})
	assert.Contains(t, buf.String(), `skip any matching "export"`)
	assert.Contains(t, buf.String(), "does not support the following capabilities:\n  export\n")
}
