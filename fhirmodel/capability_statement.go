package fhirmodel

type CapabilityStatement struct {
	ResourceType string           `json:"resourceType"`
	Status       string           `json:"status,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	Date         string           `json:"date,omitempty"`
	FHIRVersion  string           `json:"fhirVersion"`
	Format       []string         `json:"format"`
	PatchFormat  []string         `json:"patchFormat,omitempty"`
	Software     *Software        `json:"software,omitempty"`
	Rest         []CapabilityRest `json:"rest,omitempty"`
}

type Software struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type CapabilityRest struct {
	Mode        string                  `json:"mode"`
	Security    *CapabilityRestSecurity `json:"security,omitempty"`
	Resource    []CapabilityResource    `json:"resource,omitempty"`
	Interaction []CapabilityInteraction `json:"interaction,omitempty"`
	Operation   []CapabilityOperation   `json:"operation,omitempty"`
}

type CapabilityRestSecurity struct {
	CORS    bool              `json:"cors,omitempty"`
	Service []CodeableConcept `json:"service,omitempty"`
}

type CapabilityResource struct {
	Type              string                  `json:"type"`
	Versioning        string                  `json:"versioning,omitempty"`
	ConditionalCreate bool                    `json:"conditionalCreate,omitempty"`
	ConditionalUpdate bool                    `json:"conditionalUpdate,omitempty"`
	ConditionalDelete string                  `json:"conditionalDelete,omitempty"`
	Interaction       []CapabilityInteraction `json:"interaction,omitempty"`
	SearchParam       []CapabilitySearchParam `json:"searchParam,omitempty"`
	Operation         []CapabilityOperation   `json:"operation,omitempty"`
}

type CapabilityInteraction struct {
	Code string `json:"code"`
}

type CapabilityOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

type CapabilitySearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SupportsFormat returns true if the format list contains the given short name ("json") or any
// MIME type containing it ("application/fhir+json").
func (cs CapabilityStatement) SupportsFormat(name string) bool {
	for _, f := range cs.Format {
		if f == name || containsWord(f, name) {
			return true
		}
	}
	return false
}

func containsWord(mimeType, name string) bool {
	for i := 0; i+len(name) <= len(mimeType); i++ {
		if mimeType[i:i+len(name)] != name {
			continue
		}
		before := i == 0 || mimeType[i-1] == '/' || mimeType[i-1] == '+'
		after := i+len(name) == len(mimeType) || mimeType[i+len(name)] == ';'
		if before && after {
			return true
		}
	}
	return false
}

// Resource returns the rest[server].resource entry for a resource type.
func (cs CapabilityStatement) Resource(resourceType string) (CapabilityResource, bool) {
	for _, rest := range cs.Rest {
		for _, r := range rest.Resource {
			if r.Type == resourceType {
				return r, true
			}
		}
	}
	return CapabilityResource{}, false
}
