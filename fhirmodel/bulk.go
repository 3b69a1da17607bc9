package fhirmodel

// ExportManifest is the body of a completed $export status request.
type ExportManifest struct {
	TransactionTime     string         `json:"transactionTime"`
	Request             string         `json:"request"`
	RequiresAccessToken bool           `json:"requiresAccessToken"`
	Output              []ExportOutput `json:"output"`
	Error               []ExportOutput `json:"error"`
}

type ExportOutput struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// OutputTypes returns the distinct resource types in the manifest output, in order of appearance.
func (m ExportManifest) OutputTypes() []string {
	var ret []string
	seen := make(map[string]bool)
	for _, o := range m.Output {
		if !seen[o.Type] {
			seen[o.Type] = true
			ret = append(ret, o.Type)
		}
	}
	return ret
}

// ImportManifest is the body of a completed $import status request.
type ImportManifest struct {
	TransactionTime string         `json:"transactionTime"`
	Request         string         `json:"request"`
	Output          []ImportOutput `json:"output"`
	Error           []ImportOutput `json:"error"`
}

type ImportOutput struct {
	Type     string `json:"type"`
	Count    int    `json:"count"`
	InputURL string `json:"inputUrl"`
	URL      string `json:"url,omitempty"`
}

// TotalCount sums the counts of a list of outputs.
func TotalCount(outputs []ImportOutput) int {
	n := 0
	for _, o := range outputs {
		n += o.Count
	}
	return n
}

const (
	ImportModeInitialLoad     = "InitialLoad"
	ImportModeIncrementalLoad = "IncrementalLoad"
)

// ImportInput names one NDJSON source for $import.
type ImportInput struct {
	Type string
	URL  string
}

// NewImportParameters builds the $import request body.
func NewImportParameters(mode string, inputs ...ImportInput) Parameters {
	params := []Parameter{
		StringParam("inputFormat", ContentTypeNDJSON),
		StringParam("mode", mode),
	}
	for _, in := range inputs {
		params = append(params, PartsParam("input",
			StringParam("type", in.Type),
			URIParam("url", in.URL),
		))
	}
	return NewParameters(params...)
}
