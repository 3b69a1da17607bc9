package data

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

const resourcesPath = "resources"

var unfilledPlaceholder = regexp.MustCompile(`<[A-Z][A-Z0-9_]*>`)

// Template is a resource data file. Its constants are already expanded; the placeholders that remain
// are filled in by Instantiate.
type Template struct {
	Name string
	data []byte
}

type templateFile struct {
	Resource json.RawMessage `json:"resource"`
}

// LoadTemplate reads data/data-files/resources/<name>.yaml.
func LoadTemplate(name string) (Template, error) {
	sources, err := LoadDataFile(resourcesPath + "/" + name + ".yaml")
	if err != nil {
		return Template{}, err
	}
	if len(sources) != 1 {
		return Template{}, fmt.Errorf("resource template %q must not be parameterized", name)
	}
	var f templateFile
	if err := sources[0].ParseInto(&f); err != nil {
		return Template{}, err
	}
	if len(f.Resource) == 0 {
		return Template{}, fmt.Errorf("resource template %q has no resource", name)
	}
	return Template{Name: name, data: f.Resource}, nil
}

// MustLoadTemplate is LoadTemplate for templates that are known to exist.
func MustLoadTemplate(name string) Template {
	t, err := LoadTemplate(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Instantiate fills in the placeholders. A placeholder that takes up a whole JSON string is replaced
// by the JSON value of the variable, so "<COUNT>" can become a number; any other placeholder is
// interpolated as text. Every placeholder must have a value.
func (t Template) Instantiate(vars map[string]ldvalue.Value) (fhirmodel.Resource, error) {
	data := replaceVariables(t.data, vars)
	if missing := unfilledPlaceholder.Find(data); missing != nil {
		return nil, fmt.Errorf("resource template %q: no value for %s", t.Name, missing)
	}
	return fhirmodel.ParseResource(data)
}

// Strings is a shortcut for building the variables of Instantiate from string values.
func Strings(keysAndValues ...string) map[string]ldvalue.Value {
	ret := make(map[string]ldvalue.Value, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ret[keysAndValues[i]] = ldvalue.String(keysAndValues[i+1])
	}
	return ret
}
