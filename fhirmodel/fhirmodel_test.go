package fhirmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/framework"
)

func TestResourceAccessors(t *testing.T) {
	r, err := ParseResource([]byte(`{"resourceType":"Patient","id":"p1",
		"meta":{"versionId":"2","lastUpdated":"2024-01-01T00:00:00Z","tag":[{"system":"s","code":"c"}]},
		"identifier":[{"system":"urn:mrn","value":"42"}]}`))
	require.NoError(t, err)

	assert.Equal(t, "Patient", r.ResourceType())
	assert.Equal(t, "p1", r.ID())
	assert.Equal(t, "Patient/p1", r.Reference())
	assert.Equal(t, "2", r.VersionID())
	assert.Equal(t, "2024-01-01T00:00:00Z", r.LastUpdated())
	assert.True(t, r.HasTag("s", "c"))
	assert.False(t, r.HasTag("s", "d"))
	assert.Equal(t, []Identifier{{System: "urn:mrn", Value: "42"}}, r.Identifiers())
}

func TestParseResourceRejectsNull(t *testing.T) {
	_, err := ParseResource([]byte("null"))
	assert.Error(t, err)
	_, err = ParseResource([]byte("{"))
	assert.Error(t, err)
}

func TestResourceWithDoesNotModifyOriginal(t *testing.T) {
	r := NewResource("Patient").With("gender", "male")
	r2 := r.With("gender", "female").WithID("x")

	assert.Equal(t, "male", r["gender"])
	assert.Equal(t, "", r.ID())
	assert.Equal(t, "female", r2["gender"])
	assert.Equal(t, "x", r2.ID())

	r3 := r2.With("gender", nil)
	_, present := r3["gender"]
	assert.False(t, present)
}

func TestResourceWithTag(t *testing.T) {
	tag := Coding{System: RunTagSystem, Code: "abc"}
	r := NewResource("Observation").WithTag(tag).WithTag(tag)
	assert.Len(t, r.Meta().Tag, 1)
	assert.True(t, r.HasTag(RunTagSystem, "abc"))

	versioned := r.WithMeta(Meta{VersionID: "3", LastUpdated: "now", Tag: r.Meta().Tag})
	stripped := versioned.WithoutVersion()
	assert.Equal(t, "", stripped.VersionID())
	assert.True(t, stripped.HasTag(RunTagSystem, "abc"))
}

func TestResourceIntoTypedValue(t *testing.T) {
	r, err := ToResource(NewBundle(BundleTypeBatch, GetEntry("Patient/1")))
	require.NoError(t, err)
	assert.Equal(t, "Bundle", r.ResourceType())

	var b Bundle
	require.NoError(t, r.Into(&b))
	require.Len(t, b.Entry, 1)
	assert.Equal(t, "GET", b.Entry[0].Request.Method)
}

func TestBundleLinksAndResources(t *testing.T) {
	b, err := ParseBundle([]byte(`{"resourceType":"Bundle","type":"searchset",
		"link":[{"relation":"self","url":"a"},{"relation":"next","url":"b"}],
		"entry":[{"resource":{"resourceType":"Patient","id":"1"}},{"search":{"mode":"outcome"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "b", b.NextLink())
	assert.Equal(t, "a", b.LinkURL("self"))
	assert.Equal(t, "", b.LinkURL("previous"))
	require.Len(t, b.Resources(), 1)
	assert.Equal(t, "1", b.Resources()[0].ID())
}

func TestBundleEntryBuilders(t *testing.T) {
	p := NewResource("Patient").WithID("9")
	assert.Equal(t, "Patient/9", PutEntry(p).Request.URL)
	assert.Equal(t, "Patient", PostEntry("urn:uuid:1", p).Request.URL)
	assert.Equal(t, "DELETE", DeleteEntry("Patient/9").Request.Method)
}

func TestOperationOutcome(t *testing.T) {
	o := ErrorOutcome(IssueTypeNotFound, "Patient/%s not found", "x")
	assert.True(t, o.HasErrors())
	assert.Equal(t, "error/not-found: Patient/x not found", o.String())
	assert.False(t, NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, "").HasErrors())
}

func TestOperationOutcomeMentions(t *testing.T) {
	assert.True(t, ErrorOutcome(IssueTypeProcessing, "Job was Cancelled by the client").Mentions("cancel"))
	assert.False(t, ErrorOutcome(IssueTypeNotFound, "no such job").Mentions("cancel"))

	withDetails := OperationOutcome{Issue: []OperationOutcomeIssue{
		{Severity: IssueSeverityInformation, Code: IssueTypeProcessing, Details: &CodeableConcept{Text: "job canceled"}},
	}}
	assert.True(t, withDetails.Mentions("CANCEL"))
	withCoding := OperationOutcome{Issue: []OperationOutcomeIssue{
		{Severity: IssueSeverityError, Details: &CodeableConcept{Coding: []Coding{{Code: "job-cancelled"}}}},
	}}
	assert.True(t, withCoding.Mentions("cancel"))
	assert.False(t, OperationOutcome{}.Mentions("cancel"))
}

func TestParameters(t *testing.T) {
	p := NewParameters(
		StringParam("display", "Body weight"),
		PartsParam("input", StringParam("type", "Patient"), URIParam("url", "http://x")),
		PartsParam("input", StringParam("type", "Observation")),
	)
	d, ok := p.Get("display")
	require.True(t, ok)
	assert.Equal(t, "Body weight", d.StringValue())

	inputs := p.GetAll("input")
	require.Len(t, inputs, 2)
	url, ok := inputs[0].GetPart("url")
	require.True(t, ok)
	assert.Equal(t, "http://x", url.StringValue())

	_, ok = p.Get("missing")
	assert.False(t, ok)
}

func TestFHIRPathReplace(t *testing.T) {
	op := FHIRPathReplace("Patient.gender", Parameter{ValueCode: "female"})
	assert.Equal(t, "operation", op.Name)
	v, ok := op.GetPart("value")
	require.True(t, ok)
	assert.Equal(t, "female", v.ValueCode)
	typ, _ := op.GetPart("type")
	assert.Equal(t, "replace", typ.ValueCode)
}

func TestImportParameters(t *testing.T) {
	p := NewImportParameters(ImportModeInitialLoad, ImportInput{Type: "Patient", URL: "http://h/p.ndjson"})
	f, _ := p.Get("inputFormat")
	assert.Equal(t, ContentTypeNDJSON, f.ValueString)
	in, ok := p.Get("input")
	require.True(t, ok)
	u, _ := in.GetPart("url")
	assert.Equal(t, "http://h/p.ndjson", u.ValueURI)
}

func TestExportManifestOutputTypes(t *testing.T) {
	m := ExportManifest{Output: []ExportOutput{{Type: "Patient"}, {Type: "Observation"}, {Type: "Patient"}}}
	assert.Equal(t, []string{"Patient", "Observation"}, m.OutputTypes())
	assert.Equal(t, 5, TotalCount([]ImportOutput{{Count: 2}, {Count: 3}}))
}

func TestCapabilityStatementSupportsFormat(t *testing.T) {
	cs := CapabilityStatement{Format: []string{"application/fhir+json", "xml"}}
	assert.True(t, cs.SupportsFormat("json"))
	assert.True(t, cs.SupportsFormat("xml"))
	assert.False(t, cs.SupportsFormat("turtle"))
	assert.False(t, CapabilityStatement{Format: []string{"jsonld"}}.SupportsFormat("json"))
}

func TestDeriveCapabilities(t *testing.T) {
	cs := CapabilityStatement{
		PatchFormat: []string{"application/json-patch+json"},
		Rest: []CapabilityRest{{
			Mode:        "server",
			Interaction: []CapabilityInteraction{{Code: "batch"}, {Code: "transaction"}},
			Operation:   []CapabilityOperation{{Name: "export"}, {Name: "$import"}},
			Security: &CapabilityRestSecurity{
				CORS:    true,
				Service: []CodeableConcept{{Coding: []Coding{{Code: "SMART-on-FHIR"}}}},
			},
			Resource: []CapabilityResource{
				{
					Type:              "Patient",
					Versioning:        "versioned",
					ConditionalCreate: true,
					ConditionalDelete: "single",
					Interaction:       []CapabilityInteraction{{Code: "patch"}, {Code: "history-instance"}, {Code: "search-type"}},
					Operation:         []CapabilityOperation{{Name: "member-match"}},
				},
				{
					Type:      "CodeSystem",
					Operation: []CapabilityOperation{{Name: "lookup"}},
				},
			},
		}},
	}
	caps := DeriveCapabilities(cs)
	assert.Equal(t, framework.Capabilities{
		CapabilityBatch, CapabilityConditionalCreate, CapabilityConditionalDelete, CapabilityCORS,
		CapabilityExport, CapabilityHistory, CapabilityImport, CapabilityLookup, CapabilityMemberMatch,
		CapabilityPatchJSON, CapabilitySearchPost, CapabilitySecurity, CapabilityTransaction, CapabilityVersioning,
	}.Sorted(), caps.Sorted())
	assert.False(t, caps.Has(CapabilityPatchFHIRPath))
	assert.False(t, caps.Has(CapabilityConditionalUpdate))
}

func TestDeriveCapabilitiesPatchWithoutFormats(t *testing.T) {
	cs := CapabilityStatement{Rest: []CapabilityRest{{
		Mode:     "server",
		Resource: []CapabilityResource{{Type: "Patient", Interaction: []CapabilityInteraction{{Code: "patch"}}}},
	}}}
	caps := DeriveCapabilities(cs)
	assert.True(t, caps.Has(CapabilityPatchJSON))
	assert.True(t, caps.Has(CapabilityPatchFHIRPath))
}

func TestDeriveCapabilitiesIgnoresClientMode(t *testing.T) {
	cs := CapabilityStatement{Rest: []CapabilityRest{{
		Mode:        "client",
		Interaction: []CapabilityInteraction{{Code: "batch"}},
	}}}
	assert.Empty(t, DeriveCapabilities(cs))
}
