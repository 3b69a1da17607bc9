package fhirtests

import (
	"context"
	"net/http"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

func requireClientError(t *e2e.T, resp *fhirclient.Response, err error) {
	t.Helper()
	require.Error(t, err)
	require.NotNil(t, resp, "request failed without a response: %s", err)
	assert.True(t, resp.StatusCode >= 400 && resp.StatusCode < 500, "expected a 4xx status but got %d",
		resp.StatusCode)
}

func doPatchTests(t *e2e.T) {
	t.Run("JSON Patch", doJSONPatchTests)
	t.Run("FHIRPath Patch", doFHIRPathPatchTests)
}

func doJSONPatchTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityPatchJSON)
	d := newTestData(t)

	t.Run("replace, add and remove", func(t *e2e.T) {
		p := d.createPatient()
		resp, err := d.client.JSONPatch(context.Background(), "Patient", p.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchReplace("/birthDate", "1985-05-05"),
			fhirmodel.PatchAdd("/deceasedBoolean", false),
			fhirmodel.PatchRemove("/gender"),
		}, fhirclient.IfMatch(p.VersionID()))
		requireStatus(t, resp, err, http.StatusOK)
		m.In(t).Assert(resp.Resource.VersionID(), m.Equal("2"))

		read, err := d.client.Read(context.Background(), "Patient", p.ID())
		requireStatus(t, read, err, http.StatusOK)
		m.In(t).Assert(read.Resource["birthDate"], m.Equal("1985-05-05"))
		m.In(t).Assert(read.Resource["deceasedBoolean"], m.Equal(false))
		assert.NotContains(t, read.Resource, "gender")
	})

	t.Run("failed test operation is rejected", func(t *e2e.T) {
		p := d.createPatient()
		resp, err := d.client.JSONPatch(context.Background(), "Patient", p.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchTest("/gender", "male"),
			fhirmodel.PatchReplace("/gender", "other"),
		})
		requireClientError(t, resp, err)

		read, err := d.client.Read(context.Background(), "Patient", p.ID())
		requireStatus(t, read, err, http.StatusOK)
		m.In(t).Assert(read.Resource.VersionID(), m.Equal(p.VersionID()))
	})

	t.Run("id cannot be patched", func(t *e2e.T) {
		p := d.createPatient()
		resp, err := d.client.JSONPatch(context.Background(), "Patient", p.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchReplace("/id", "some-other-id"),
		})
		requireClientError(t, resp, err)
	})

	t.Run("stale If-Match is rejected", func(t *e2e.T) {
		p := d.createPatient()
		resp, err := d.client.JSONPatch(context.Background(), "Patient", p.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchReplace("/birthDate", "1990-01-01"),
		}, fhirclient.IfMatch("99"))
		requireStatus(t, resp, err, http.StatusPreconditionFailed)
	})
}

func doFHIRPathPatchTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityPatchFHIRPath)
	d := newTestData(t)

	t.Run("replace", func(t *e2e.T) {
		p := d.createPatient()
		params := fhirmodel.NewParameters(
			fhirmodel.FHIRPathReplace("Patient.birthDate", fhirmodel.Parameter{ValueDate: "1985-05-05"}),
		)
		resp, err := d.client.FHIRPathPatch(context.Background(), "Patient", p.ID(), params)
		requireStatus(t, resp, err, http.StatusOK)
		m.In(t).Assert(resp.Resource["birthDate"], m.Equal("1985-05-05"))
		m.In(t).Assert(resp.Resource.VersionID(), m.Equal("2"))
	})

	t.Run("replace of a missing element is rejected", func(t *e2e.T) {
		p := d.createPatient()
		params := fhirmodel.NewParameters(
			fhirmodel.FHIRPathReplace("Patient.deceasedDateTime", fhirmodel.Parameter{ValueDate: "2020-01-01"}),
		)
		resp, err := d.client.FHIRPathPatch(context.Background(), "Patient", p.ID(), params)
		requireClientError(t, resp, err)
	})
}
