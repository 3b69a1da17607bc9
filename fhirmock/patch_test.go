package fhirmock

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

func TestJSONPatch(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		created := mustCreate(t, c, patient("Doe", "1970-01-01").With("active", true))

		resp, err := c.JSONPatch(ctx, "Patient", created.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchTest("/active", true),
			fhirmodel.PatchReplace("/active", false),
			fhirmodel.PatchAdd("/gender", "female"),
			fhirmodel.PatchRemove("/birthDate"),
		}, fhirclient.IfMatch("1"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Resource.VersionID())
		assert.Equal(t, false, resp.Resource["active"])
		assert.Equal(t, "female", resp.Resource["gender"])
		assert.NotContains(t, resp.Resource, "birthDate")
	})
}

func TestJSONPatchErrors(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		created := mustCreate(t, c, patient("Doe", "1970-01-01").With("active", true))

		_, err := c.JSONPatch(ctx, "Patient", created.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchTest("/active", false),
		})
		assert.Equal(t, http.StatusUnprocessableEntity, fhirclient.StatusCode(err))

		_, err = c.JSONPatch(ctx, "Patient", created.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchReplace("/id", "other"),
		})
		assert.Equal(t, http.StatusBadRequest, fhirclient.StatusCode(err))

		_, err = c.JSONPatch(ctx, "Patient", created.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchReplace("/active", false),
		}, fhirclient.IfMatch("9"))
		assert.Equal(t, http.StatusPreconditionFailed, fhirclient.StatusCode(err))

		_, err = c.JSONPatch(ctx, "Patient", "missing", []fhirmodel.PatchOperation{
			fhirmodel.PatchReplace("/active", false),
		})
		assert.Equal(t, http.StatusNotFound, fhirclient.StatusCode(err))

		resp, err := c.Read(ctx, "Patient", created.ID())
		require.NoError(t, err)
		assert.Equal(t, "1", resp.Resource.VersionID())
	})
}

func TestFHIRPathPatch(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		created := mustCreate(t, c, patient("Doe", "1970-01-01").With("active", true))
		f := false
		params := fhirmodel.NewParameters(
			fhirmodel.FHIRPathReplace("Patient.active", fhirmodel.Parameter{ValueBoolean: &f}),
			fhirmodel.PartsParam("operation",
				fhirmodel.CodeParam("type", "delete"),
				fhirmodel.StringParam("path", "Patient.birthDate"),
			),
		)
		resp, err := c.FHIRPathPatch(ctx, "Patient", created.ID(), params)
		require.NoError(t, err)
		assert.Equal(t, false, resp.Resource["active"])
		assert.NotContains(t, resp.Resource, "birthDate")
		assert.Equal(t, "2", resp.Resource.VersionID())
	})
}

func TestPatchDoesNotChangeStoredOriginal(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		created := mustCreate(t, c, patient("Doe", "1970-01-01"))
		_, err := c.JSONPatch(ctx, "Patient", created.ID(), []fhirmodel.PatchOperation{
			fhirmodel.PatchReplace("/name/0/family", "Smith"),
		})
		require.NoError(t, err)
		resp, err := c.VRead(ctx, "Patient", created.ID(), "1")
		require.NoError(t, err)
		assert.Equal(t, "Doe", resp.Resource["name"].([]interface{})[0].(map[string]interface{})["family"])
	})
}
