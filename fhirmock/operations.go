package fhirmock

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

type codeSystem struct {
	name    string
	version string
	codes   map[string]string
}

// codeSystems is the built-in terminology for CodeSystem/$lookup.
var codeSystems = map[string]codeSystem{ //nolint:gochecknoglobals
	"http://hl7.org/fhir/administrative-gender": {
		name:    "AdministrativeGender",
		version: FHIRVersion,
		codes:   map[string]string{"male": "Male", "female": "Female", "other": "Other", "unknown": "Unknown"},
	},
	"http://loinc.org": {
		name:    "LOINC",
		version: "2.73",
		codes: map[string]string{
			"8867-4":  "Heart rate",
			"29463-7": "Body weight",
			"8302-2":  "Body height",
		},
	},
}

func (s *Server) handleLookup(c echo.Context) error {
	if c.Param("type") != "CodeSystem" {
		return echo.NewHTTPError(http.StatusNotFound, "$lookup is only defined on CodeSystem")
	}
	system, code := c.QueryParam("system"), c.QueryParam("code")
	if c.Request().Method == http.MethodPost {
		var params fhirmodel.Parameters
		if err := json.NewDecoder(c.Request().Body).Decode(&params); err != nil {
			return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid Parameters: %s", err)
		}
		if p, ok := params.Get("system"); ok {
			system = p.StringValue()
		}
		if p, ok := params.Get("code"); ok {
			code = p.StringValue()
		}
		if p, ok := params.Get("coding"); ok && p.ValueCoding != nil {
			system, code = p.ValueCoding.System, p.ValueCoding.Code
		}
	}
	if system == "" || code == "" {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "system and code are required")
	}
	cs, ok := codeSystems[system]
	if !ok {
		return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "unknown code system %q", system)
	}
	display, ok := cs.codes[code]
	if !ok {
		return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound,
			"code %q is not defined in %s", code, system)
	}
	return writeJSON(c, http.StatusOK, fhirmodel.NewParameters(
		fhirmodel.StringParam("name", cs.name),
		fhirmodel.StringParam("version", cs.version),
		fhirmodel.StringParam("display", display),
	))
}

// MemberIdentifierType is the identifier type code of the member identifier returned by
// Patient/$member-match.
const MemberIdentifierType = "MB"

const memberIdentifierSystem = "http://fhir-mock/member-id"

// handleMemberMatch finds the one stored Patient with the same family name and birth date as
// MemberPatient who is the beneficiary of a Coverage with the subscriber id of CoverageToMatch.
func (s *Server) handleMemberMatch(c echo.Context) error {
	if c.Param("type") != "Patient" {
		return echo.NewHTTPError(http.StatusNotFound, "$member-match is only defined on Patient")
	}
	var params fhirmodel.Parameters
	if err := json.NewDecoder(c.Request().Body).Decode(&params); err != nil || params.ResourceType != "Parameters" {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "body must be Parameters")
	}
	member, ok := params.Get("MemberPatient")
	if !ok || member.Resource.ResourceType() != "Patient" {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "MemberPatient is required")
	}
	coverage, ok := params.Get("CoverageToMatch")
	if !ok {
		coverage, ok = params.Get("OldCoverage")
	}
	if !ok || coverage.Resource.ResourceType() != "Coverage" {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "CoverageToMatch is required")
	}

	s.lock.Lock()
	matches := s.memberMatches(member.Resource, coverage.Resource)
	s.lock.Unlock()
	if len(matches) != 1 {
		return writeOutcome(c, http.StatusUnprocessableEntity, fhirmodel.IssueTypeProcessing,
			"no unique member match (%d candidates)", len(matches))
	}
	return writeJSON(c, http.StatusOK, fhirmodel.NewParameters(
		fhirmodel.Parameter{Name: "MemberIdentifier", ValueIdentifier: memberIdentifier(matches[0])},
	))
}

func (s *Server) memberMatches(member, coverage fhirmodel.Resource) []fhirmodel.Resource {
	subscriberID, _ := coverage["subscriberId"].(string)
	var family string
	if names := humanNames(member); len(names) > 0 {
		family = names[0].Family
	}
	var ret []fhirmodel.Resource
	for _, p := range s.store.list("Patient") {
		names := humanNames(p)
		if len(names) == 0 || !strings.EqualFold(names[0].Family, family) || p["birthDate"] != member["birthDate"] {
			continue
		}
		for _, cov := range s.store.list("Coverage") {
			if id, _ := cov["subscriberId"].(string); id != subscriberID || subscriberID == "" {
				continue
			}
			if matchReference(cov, "beneficiary", "Patient/"+p.ID()) {
				ret = append(ret, p)
				break
			}
		}
	}
	return ret
}

// memberIdentifier prefers an identifier of type MB, then any identifier, then one made from the id.
func memberIdentifier(p fhirmodel.Resource) *fhirmodel.Identifier {
	ids := p.Identifiers()
	for _, id := range ids {
		if id.Type != nil {
			for _, c := range id.Type.Coding {
				if c.Code == MemberIdentifierType {
					return &id
				}
			}
		}
	}
	if len(ids) > 0 {
		return &ids[0]
	}
	return &fhirmodel.Identifier{System: memberIdentifierSystem, Value: p.ID()}
}
