package fhirmodel

// Parameters is the FHIR Parameters resource, used as input and output of operations.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

// Parameter holds one named value. Only the value[x] types that the harness uses are modeled.
type Parameter struct {
	Name            string      `json:"name"`
	ValueString     string      `json:"valueString,omitempty"`
	ValueCode       string      `json:"valueCode,omitempty"`
	ValueURI        string      `json:"valueUri,omitempty"`
	ValueURL        string      `json:"valueUrl,omitempty"`
	ValueDate       string      `json:"valueDate,omitempty"`
	ValueBoolean    *bool       `json:"valueBoolean,omitempty"`
	ValueInteger    *int        `json:"valueInteger,omitempty"`
	ValueCoding     *Coding     `json:"valueCoding,omitempty"`
	ValueIdentifier *Identifier `json:"valueIdentifier,omitempty"`
	Resource        Resource    `json:"resource,omitempty"`
	Part            []Parameter `json:"part,omitempty"`
}

func NewParameters(params ...Parameter) Parameters {
	return Parameters{ResourceType: "Parameters", Parameter: params}
}

// Get returns the first parameter with the given name.
func (p Parameters) Get(name string) (Parameter, bool) {
	return findParameter(p.Parameter, name)
}

// GetAll returns every parameter with the given name, in order.
func (p Parameters) GetAll(name string) []Parameter {
	var ret []Parameter
	for _, param := range p.Parameter {
		if param.Name == name {
			ret = append(ret, param)
		}
	}
	return ret
}

// GetPart returns the first part with the given name.
func (p Parameter) GetPart(name string) (Parameter, bool) {
	return findParameter(p.Part, name)
}

// StringValue returns whichever of the string-like value[x] elements is set.
func (p Parameter) StringValue() string {
	for _, s := range []string{p.ValueString, p.ValueCode, p.ValueURI, p.ValueURL, p.ValueDate} {
		if s != "" {
			return s
		}
	}
	return ""
}

func findParameter(params []Parameter, name string) (Parameter, bool) {
	for _, param := range params {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}

func StringParam(name, value string) Parameter { return Parameter{Name: name, ValueString: value} }

func CodeParam(name, value string) Parameter { return Parameter{Name: name, ValueCode: value} }

func URIParam(name, value string) Parameter { return Parameter{Name: name, ValueURI: value} }

func ResourceParam(name string, r Resource) Parameter { return Parameter{Name: name, Resource: r} }

func PartsParam(name string, parts ...Parameter) Parameter { return Parameter{Name: name, Part: parts} }

// FHIRPathReplace builds the "operation" parameter of a FHIRPath Patch that replaces the value at
// path. The value must already be wrapped in a value[x] Parameter named "value".
func FHIRPathReplace(path string, value Parameter) Parameter {
	value.Name = "value"
	return PartsParam("operation",
		CodeParam("type", "replace"),
		StringParam("path", path),
		value,
	)
}
