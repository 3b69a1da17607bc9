package fhirmock

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

const (
	SoftwareName    = "fhir-mock"
	SoftwareVersion = "1.0.0"
	FHIRVersion     = "4.0.1"
)

// resourceTypes are the types listed in the CapabilityStatement. The store accepts any type.
var resourceTypes = []string{ //nolint:gochecknoglobals
	"Patient", "Observation", "Coverage", "Organization", "Group", "Encounter", "CodeSystem", "Practitioner",
}

func (s *Server) capabilityStatement() fhirmodel.CapabilityStatement {
	interactions := func(codes ...string) []fhirmodel.CapabilityInteraction {
		ret := make([]fhirmodel.CapabilityInteraction, 0, len(codes))
		for _, c := range codes {
			ret = append(ret, fhirmodel.CapabilityInteraction{Code: c})
		}
		return ret
	}
	rest := fhirmodel.CapabilityRest{
		Mode:        "server",
		Security:    &fhirmodel.CapabilityRestSecurity{CORS: true},
		Interaction: interactions("batch", "transaction", "history-system", "search-system"),
		Operation: []fhirmodel.CapabilityOperation{
			{Name: "export"},
			{Name: "import"},
		},
	}
	if s.auth != nil {
		rest.Security.Service = []fhirmodel.CodeableConcept{{Coding: []fhirmodel.Coding{{
			System: "http://terminology.hl7.org/CodeSystem/restful-security-service",
			Code:   "SMART-on-FHIR",
		}}}}
	}
	for _, t := range resourceTypes {
		r := fhirmodel.CapabilityResource{
			Type:              t,
			Versioning:        "versioned",
			ConditionalCreate: true,
			ConditionalUpdate: true,
			ConditionalDelete: "single",
			Interaction: interactions("read", "vread", "update", "patch", "delete", "history-instance",
				"history-type", "create", "search-type"),
			SearchParam: []fhirmodel.CapabilitySearchParam{
				{Name: "_id", Type: "token"},
				{Name: "_tag", Type: "token"},
				{Name: "identifier", Type: "token"},
			},
		}
		switch t {
		case "Patient":
			r.Operation = []fhirmodel.CapabilityOperation{{Name: "member-match"}, {Name: "export"}}
		case "Group":
			r.Operation = []fhirmodel.CapabilityOperation{{Name: "export"}}
		case "CodeSystem":
			r.Operation = []fhirmodel.CapabilityOperation{{Name: "lookup"}}
		}
		rest.Resource = append(rest.Resource, r)
	}
	return fhirmodel.CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Kind:         "instance",
		Date:         s.now().UTC().Format("2006-01-02"),
		FHIRVersion:  FHIRVersion,
		Format:       []string{"json", fhirmodel.ContentTypeFHIRJSON},
		PatchFormat:  []string{fhirmodel.ContentTypeJSONPatch, fhirmodel.ContentTypeFHIRJSON},
		Software:     &fhirmodel.Software{Name: SoftwareName, Version: SoftwareVersion},
		Rest:         []fhirmodel.CapabilityRest{rest},
	}
}

func (s *Server) handleMetadata(c echo.Context) error {
	return writeJSON(c, http.StatusOK, s.capabilityStatement())
}

type healthStatus struct {
	OverallStatus string         `json:"overallStatus"`
	Details       []healthDetail `json:"details"`
}

type healthDetail struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthStatus{
		OverallStatus: "Healthy",
		Details: []healthDetail{
			{Name: "DataStoreHealthCheck", Status: "Healthy", Description: "in-memory store"},
		},
	})
}
