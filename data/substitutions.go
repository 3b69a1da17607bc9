package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

type substitutionSet map[string]ldvalue.Value

// json.Marshal escapes angle brackets, so placeholders in re-encoded data look like this
var unescapeAngleBrackets = strings.NewReplacer(`\u003c`, "<", `\u003e`, ">") //nolint:gochecknoglobals

type substitutionHeader struct {
	Constants  substitutionSet   `json:"constants"`
	Parameters []json.RawMessage `json:"parameters"`
}

// expandSubstitutions returns one SourceInfo per parameter set of the file, or a single one if it has
// no parameters. Constants are applied both before and after parameters, so a parameter value can
// refer to a constant.
func expandSubstitutions(fileData []byte) ([]SourceInfo, error) {
	var header substitutionHeader
	if err := ParseJSONOrYAML(fileData, &header); err != nil {
		return nil, err
	}
	if len(header.Constants) == 0 && len(header.Parameters) == 0 {
		return []SourceInfo{{Data: fileData}}, nil
	}

	sets, err := parameterSets(header.Parameters)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return []SourceInfo{{Data: replaceVariables(fileData, header.Constants)}}, nil
	}
	ret := make([]SourceInfo, 0, len(sets))
	for _, params := range sets {
		data := replaceVariables(fileData, header.Constants)
		data = replaceVariables(data, params)
		data = replaceVariables(data, header.Constants)
		ret = append(ret, SourceInfo{Data: data, Params: params})
	}
	return ret, nil
}

// parameterSets reads the "parameters" list. It is either a list of sets, each producing one result,
// or a list of groups of sets, producing every combination of one set from each group.
func parameterSets(raw []json.RawMessage) ([]substitutionSet, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	first := bytes.TrimSpace(raw[0])
	switch {
	case bytes.HasPrefix(first, []byte("{")):
		sets := make([]substitutionSet, 0, len(raw))
		for i, item := range raw {
			var s substitutionSet
			if err := json.Unmarshal(item, &s); err != nil {
				return nil, fmt.Errorf("parameter set %d: %w", i, err)
			}
			sets = append(sets, s)
		}
		return sets, nil
	case bytes.HasPrefix(first, []byte("[")):
		groups := make([][]substitutionSet, len(raw))
		for i, item := range raw {
			if err := json.Unmarshal(item, &groups[i]); err != nil {
				return nil, fmt.Errorf("parameter group %d: %w", i, err)
			}
			if len(groups[i]) == 0 {
				return nil, fmt.Errorf("parameter group %d is empty", i)
			}
		}
		return combinations(groups), nil
	default:
		return nil, fmt.Errorf("parameters must be a list of objects or a list of lists, not %s", first)
	}
}

// combinations merges one set from each group in every possible way. The first group varies fastest.
func combinations(groups [][]substitutionSet) []substitutionSet {
	result := []substitutionSet{{}}
	for _, group := range groups {
		next := make([]substitutionSet, 0, len(result)*len(group))
		for _, choice := range group {
			for _, partial := range result {
				merged := maps.Clone(partial)
				maps.Copy(merged, choice)
				next = append(next, merged)
			}
		}
		result = next
	}
	return result
}

// replaceVariables substitutes "<NAME>" placeholders. A placeholder that is a whole JSON string,
// quotes included, becomes the JSON value; elsewhere a string value is inserted as plain text.
func replaceVariables(data []byte, vars substitutionSet) []byte {
	text := unescapeAngleBrackets.Replace(string(data))
	if len(vars) == 0 {
		return []byte(text)
	}
	pairs := make([]string, 0, len(vars)*4)
	for name, value := range vars {
		placeholder := "<" + name + ">"
		inline := value.JSONString()
		if value.IsString() {
			inline = value.StringValue()
		}
		pairs = append(pairs, `"`+placeholder+`"`, value.JSONString(), placeholder, inline)
	}
	return []byte(strings.NewReplacer(pairs...).Replace(text))
}
