package fhirmodel

import (
	"encoding/json"
	"fmt"
)

const (
	ContentTypeFHIRJSON  = "application/fhir+json"
	ContentTypeJSONPatch = "application/json-patch+json"
	ContentTypeNDJSON    = "application/fhir+ndjson"
)

// RunTagSystem is the coding system of the meta.tag that marks every resource created by one harness
// run. The tag code is a UUID unique to the run.
const RunTagSystem = "http://fhir-test-harness/run"

// Resource is a FHIR resource of any type, held as decoded JSON. Numbers are float64, as with
// encoding/json.
//
// The With* methods return modified copies and never change the receiver.
type Resource map[string]interface{}

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// NewResource returns a resource with only the resourceType set.
func NewResource(resourceType string) Resource {
	return Resource{"resourceType": resourceType}
}

func ParseResource(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid resource JSON: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("resource JSON was null")
	}
	return r, nil
}

// ToResource converts any JSON-serializable value, such as a Bundle or Parameters, to a Resource.
func ToResource(v interface{}) (Resource, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ParseResource(data)
}

// Into decodes the resource into a typed value such as *Bundle.
func (r Resource) Into(target interface{}) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func (r Resource) JSON() []byte {
	data, _ := json.Marshal(r)
	return data
}

func (r Resource) String() string { return string(r.JSON()) }

func (r Resource) ResourceType() string { return r.str("resourceType") }

func (r Resource) ID() string { return r.str("id") }

// Reference returns the relative reference to the resource, such as "Patient/123".
func (r Resource) Reference() string {
	return r.ResourceType() + "/" + r.ID()
}

func (r Resource) str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Meta decodes the meta element. A missing or malformed element yields a zero Meta.
func (r Resource) Meta() Meta {
	var m Meta
	if raw, ok := r["meta"]; ok {
		data, _ := json.Marshal(raw)
		_ = json.Unmarshal(data, &m)
	}
	return m
}

func (r Resource) VersionID() string { return r.Meta().VersionID }

func (r Resource) LastUpdated() string { return r.Meta().LastUpdated }

func (r Resource) HasTag(system, code string) bool {
	for _, t := range r.Meta().Tag {
		if t.System == system && t.Code == code {
			return true
		}
	}
	return false
}

// Identifiers decodes the identifier element.
func (r Resource) Identifiers() []Identifier {
	var ids []Identifier
	if raw, ok := r["identifier"]; ok {
		data, _ := json.Marshal(raw)
		_ = json.Unmarshal(data, &ids)
	}
	return ids
}

// Clone returns a deep copy.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	var out Resource
	_ = json.Unmarshal(r.JSON(), &out)
	return out
}

// With returns a copy with one top-level element set. A nil value removes the element.
func (r Resource) With(key string, value interface{}) Resource {
	out := r.Clone()
	if out == nil {
		out = Resource{}
	}
	if value == nil {
		delete(out, key)
		return out
	}
	// round-trip through JSON so that the stored value has the same shape as a parsed one
	data, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("value for %q is not serializable: %s", key, err))
	}
	var v interface{}
	_ = json.Unmarshal(data, &v)
	out[key] = v
	return out
}

func (r Resource) WithID(id string) Resource {
	if id == "" {
		return r.With("id", nil)
	}
	return r.With("id", id)
}

func (r Resource) WithMeta(m Meta) Resource {
	if m.VersionID == "" && m.LastUpdated == "" && len(m.Tag) == 0 {
		return r.With("meta", nil)
	}
	return r.With("meta", m)
}

// WithTag adds a meta.tag coding, if it is not already present.
func (r Resource) WithTag(c Coding) Resource {
	m := r.Meta()
	for _, t := range m.Tag {
		if t.System == c.System && t.Code == c.Code {
			return r.Clone()
		}
	}
	m.Tag = append(m.Tag, c)
	return r.WithMeta(m)
}

// WithoutVersion strips server-assigned meta.versionId and meta.lastUpdated, leaving tags intact.
func (r Resource) WithoutVersion() Resource {
	m := r.Meta()
	m.VersionID = ""
	m.LastUpdated = ""
	return r.WithMeta(m)
}
