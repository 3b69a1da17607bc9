package fhirtests

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/blobstore"
	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
	"github.com/fhir-harness/fhir-test-harness/framework/harness"
	"github.com/fhir-harness/fhir-test-harness/ndjson"
)

const malformedLine = `{"resourceType": "Patient", "id": `

// hostImportSource makes NDJSON data available to the server and returns its URL. The data goes to
// the blob store if one is configured, or else to a mock endpoint on the harness's own listener.
func hostImportSource(t *e2e.T, d *testData, resourceType string, content []byte) string {
	t.Helper()
	c := requireContext(t)
	if c.blobs != nil {
		name := blobstore.ObjectName(d.tag.Code, resourceType)
		u, err := c.blobs.UploadNDJSON(context.Background(), name, content)
		require.NoError(t, err)
		t.Defer(func() {
			if err := c.blobs.RemovePrefix(context.Background(), path.Dir(name)); err != nil {
				t.Debug("cannot remove import sources: %s", err)
			}
		})
		return u
	}
	handler := httphelpers.HandlerWithResponse(http.StatusOK,
		http.Header{"Content-Type": {fhirmodel.ContentTypeNDJSON}}, content)
	endpoint := c.harness.NewMockEndpoint(handler, t.DebugLogger(),
		harness.MockEndpointDescription("import source for "+resourceType))
	t.Defer(endpoint.Close)
	return endpoint.BaseURL() + "/" + resourceType + ".ndjson"
}

func kickOffImport(t *e2e.T, client *fhirclient.Client, params fhirmodel.Parameters) string {
	t.Helper()
	resp, err := client.Operation(context.Background(), http.MethodPost, "$import", nil, params,
		fhirclient.Prefer(fhirclient.PreferRespondAsync))
	requireStatus(t, resp, err, http.StatusAccepted)
	statusURL := resp.ContentLocation()
	require.NotEmpty(t, statusURL, "kick-off response had no Content-Location")
	return statusURL
}

func doImportTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityImport)

	t.Run("NDJSON from URL", func(t *e2e.T) {
		d := newTestData(t)
		patients := []fhirmodel.Resource{
			d.newPatient().WithID(uuid.NewString()),
			d.newPatient().WithID(uuid.NewString()),
		}
		content := append(ndjson.Encode(patients...), []byte(malformedLine+"\n")...)
		source := hostImportSource(t, d, "Patient", content)

		statusURL := kickOffImport(t, d.client, fhirmodel.NewImportParameters(fhirmodel.ImportModeIncrementalLoad,
			fhirmodel.ImportInput{Type: "Patient", URL: source}))
		resp := pollJob(t, d.client, statusURL)
		requireStatus(t, resp, nil, http.StatusOK)
		var manifest fhirmodel.ImportManifest
		require.NoError(t, resp.Into(&manifest))

		t.Run("output counts", func(t *e2e.T) {
			m.In(t).Assert(fhirmodel.TotalCount(manifest.Output), m.Equal(len(patients)))
			for _, out := range manifest.Output {
				m.In(t).Assert(out.Type, m.Equal("Patient"))
			}
		})

		t.Run("malformed lines are reported", func(t *e2e.T) {
			m.In(t).Assert(fhirmodel.TotalCount(manifest.Error), m.Equal(1))
		})

		t.Run("imported resources are searchable", func(t *e2e.T) {
			b := d.search("Patient", nil)
			want := []string{patients[0].ID(), patients[1].ID()}
			assert.ElementsMatch(t, want, bundleIDs(b))
		})
	})

	t.Run("source that cannot be fetched", func(t *e2e.T) {
		d := newTestData(t)
		endpoint := requireContext(t).harness.NewMockEndpoint(httphelpers.HandlerWithStatus(http.StatusNotFound),
			t.DebugLogger(), harness.MockEndpointDescription("missing import source"))
		t.Defer(endpoint.Close)

		statusURL := kickOffImport(t, d.client, fhirmodel.NewImportParameters(fhirmodel.ImportModeIncrementalLoad,
			fhirmodel.ImportInput{Type: "Patient", URL: endpoint.BaseURL() + "/missing.ndjson"}))
		resp := pollJob(t, d.client, statusURL)
		fetch := endpoint.RequireRequest(t, time.Second)
		m.In(t).Assert(fetch.Path, m.Equal("/missing.ndjson"))
		if resp.StatusCode == http.StatusOK {
			var manifest fhirmodel.ImportManifest
			require.NoError(t, resp.Into(&manifest))
			m.In(t).Assert(fhirmodel.TotalCount(manifest.Output), m.Equal(0))
			assert.NotEmpty(t, manifest.Error, "a failed input must be reported")
		} else {
			assert.GreaterOrEqual(t, resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("invalid request", func(t *e2e.T) {
		d := newTestData(t)
		params := fhirmodel.NewParameters(
			fhirmodel.CodeParam("inputFormat", fhirmodel.ContentTypeNDJSON),
			fhirmodel.CodeParam("mode", fhirmodel.ImportModeIncrementalLoad),
		)
		resp, err := d.client.Operation(context.Background(), http.MethodPost, "$import", nil, params,
			fhirclient.Prefer(fhirclient.PreferRespondAsync))
		requireStatus(t, resp, err, http.StatusBadRequest)
		requireOutcome(t, resp)
	})

	t.Run("cancel", func(t *e2e.T) {
		d := newTestData(t)
		source := hostImportSource(t, d, "Patient", ndjson.Encode(d.newPatient()))
		statusURL := kickOffImport(t, d.client, fhirmodel.NewImportParameters(fhirmodel.ImportModeIncrementalLoad,
			fhirmodel.ImportInput{Type: "Patient", URL: source}))

		resp, err := d.client.Do(context.Background(), fhirclient.Request{Method: http.MethodDelete, Path: statusURL})
		requireStatus(t, resp, err, http.StatusAccepted)
		requireCancelled(t, d.client, statusURL)
	})
}
