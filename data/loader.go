package data

import (
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
	"golang.org/x/exp/maps"

	h "github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

//go:embed data-files
var dataFilesRoot embed.FS

const dataBasePath = "data-files"

// SourceInfo is one expansion of a data file. A file with a "parameters" list yields one SourceInfo
// per parameter set, with Params holding that set; "constants" apply to all of them. Placeholders
// are written as "<NAME>".
type SourceInfo struct {
	FilePath string
	BaseName string
	Params   map[string]ldvalue.Value
	Data     []byte
}

func (s SourceInfo) ParseInto(target interface{}) error {
	if err := ParseJSONOrYAML(s.Data, target); err != nil {
		return fmt.Errorf("cannot parse %s%s: %w", s.FilePath, s.ParamsString(), err)
	}
	return nil
}

// ParamsString describes the parameter set, e.g. "(CODE=female,SYSTEM=...)", in key order.
func (s SourceInfo) ParamsString() string {
	if len(s.Params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s.Params))
	for _, name := range h.Sorted(maps.Keys(s.Params)) {
		parts = append(parts, name+"="+s.Params[name].String())
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// LoadDataFile reads a file under data/data-files and expands its constants and parameters.
func LoadDataFile(filePath string) ([]SourceInfo, error) {
	raw, err := dataFilesRoot.ReadFile(path.Join(dataBasePath, filePath))
	if err != nil {
		return nil, fmt.Errorf("cannot read data file %q: %w", filePath, err)
	}
	sources, err := expandSubstitutions(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot expand data file %q: %w", filePath, err)
	}
	for i := range sources {
		sources[i].FilePath = filePath
		sources[i].BaseName = path.Base(filePath)
	}
	return sources, nil
}
