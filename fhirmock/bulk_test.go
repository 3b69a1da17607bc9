package fhirmock

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/ndjson"
)

// pollStatus requests the status URL until it stops answering 202.
func pollStatus(t *testing.T, c *fhirclient.Client, statusURL string) (*fhirclient.Response, error) {
	t.Helper()
	for i := 0; i < 100; i++ {
		resp, err := c.Do(context.Background(), fhirclient.Request{Method: http.MethodGet, Path: statusURL})
		if err != nil || resp.StatusCode != http.StatusAccepted {
			return resp, err
		}
		assert.NotEmpty(t, resp.Header.Get("X-Progress"))
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "job did not complete")
	return nil, nil
}

func kickOff(t *testing.T, c *fhirclient.Client, path string, params url.Values) string {
	t.Helper()
	resp, err := c.Operation(context.Background(), http.MethodGet, path, params, nil,
		fhirclient.Prefer(fhirclient.PreferRespondAsync))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, resp.ContentLocation())
	return resp.ContentLocation()
}

func TestSystemExport(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		p := mustCreate(t, c, patient("Doe", "1970-01-01"))
		mustCreate(t, c, fhirmodel.NewResource("Observation").
			With("subject", map[string]interface{}{"reference": p.Reference()}))
		mustCreate(t, c, fhirmodel.NewResource("Organization").With("name", "Acme"))

		statusURL := kickOff(t, c, "$export", nil)
		resp, err := pollStatus(t, c, statusURL)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var manifest fhirmodel.ExportManifest
		require.NoError(t, resp.Into(&manifest))
		assert.NotEmpty(t, manifest.TransactionTime)
		assert.Contains(t, manifest.Request, "$export")
		assert.False(t, manifest.RequiresAccessToken)
		assert.ElementsMatch(t, []string{"Observation", "Organization", "Patient"}, manifest.OutputTypes())

		for _, out := range manifest.Output {
			file, err := c.Do(context.Background(), fhirclient.Request{Method: http.MethodGet, Path: out.URL})
			require.NoError(t, err)
			summary, err := ndjson.Summarize(bytes.NewReader(file.Body))
			require.NoError(t, err)
			assert.Equal(t, out.Count, summary.Total())
			assert.Equal(t, []string{out.Type}, summary.Types())
		}
	})
}

func TestPatientExportUsesCompartment(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		p := mustCreate(t, c, patient("Doe", "1970-01-01"))
		mustCreate(t, c, fhirmodel.NewResource("Observation").
			With("subject", map[string]interface{}{"reference": p.Reference()}))
		mustCreate(t, c, fhirmodel.NewResource("Organization").With("name", "Acme"))

		resp, err := pollStatus(t, c, kickOff(t, c, "Patient/$export", nil))
		require.NoError(t, err)
		var manifest fhirmodel.ExportManifest
		require.NoError(t, resp.Into(&manifest))
		assert.ElementsMatch(t, []string{"Observation", "Patient"}, manifest.OutputTypes())
	})
}

func TestGroupExportIncludesOnlyMembers(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		member := mustCreate(t, c, patient("Doe", "1970-01-01"))
		mustCreate(t, c, patient("Roe", "1980-01-01"))
		group := mustCreate(t, c, fhirmodel.NewResource("Group").
			With("type", "person").
			With("actual", true).
			With("member", []interface{}{
				map[string]interface{}{"entity": map[string]interface{}{"reference": member.Reference()}},
			}))

		resp, err := pollStatus(t, c, kickOff(t, c, "Group/"+group.ID()+"/$export",
			url.Values{"_type": {"Patient"}}))
		require.NoError(t, err)
		var manifest fhirmodel.ExportManifest
		require.NoError(t, resp.Into(&manifest))
		require.Len(t, manifest.Output, 1)
		assert.Equal(t, 1, manifest.Output[0].Count)

		_, err = c.Operation(context.Background(), http.MethodGet, "Group/missing/$export", nil, nil,
			fhirclient.Prefer(fhirclient.PreferRespondAsync))
		assert.Equal(t, http.StatusNotFound, fhirclient.StatusCode(err))
	})
}

func TestExportSinceAndType(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	withMockServer(t, func(c *fhirclient.Client, s *Server) {
		setClock := func(t time.Time) {
			s.lock.Lock()
			s.store.now = func() time.Time { return t }
			s.lock.Unlock()
		}
		setClock(now.Add(-time.Hour))
		mustCreate(t, c, patient("Old", "1970-01-01"))
		setClock(now.Add(time.Hour))
		mustCreate(t, c, patient("New", "1970-01-01"))
		mustCreate(t, c, fhirmodel.NewResource("Organization"))

		resp, err := pollStatus(t, c, kickOff(t, c, "$export", url.Values{
			"_since": {now.Format(time.RFC3339)},
			"_type":  {"Patient"},
		}))
		require.NoError(t, err)
		var manifest fhirmodel.ExportManifest
		require.NoError(t, resp.Into(&manifest))
		require.Len(t, manifest.Output, 1)
		assert.Equal(t, "Patient", manifest.Output[0].Type)
		assert.Equal(t, 1, manifest.Output[0].Count)
	})
}

func TestExportKickOffValidation(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		_, err := c.Operation(ctx, http.MethodGet, "$export", nil, nil)
		assert.Equal(t, http.StatusBadRequest, fhirclient.StatusCode(err), "missing Prefer")

		for _, params := range []url.Values{
			{"_outputFormat": {"application/xml"}},
			{"_since": {"yesterday"}},
			{"_type": {"not-a-type"}},
		} {
			_, err := c.Operation(ctx, http.MethodGet, "$export", params, nil,
				fhirclient.Prefer(fhirclient.PreferRespondAsync))
			assert.Equal(t, http.StatusBadRequest, fhirclient.StatusCode(err), "%v", params)
		}

		_, err = c.Operation(ctx, http.MethodGet, "Observation/$export", nil, nil,
			fhirclient.Prefer(fhirclient.PreferRespondAsync))
		assert.Equal(t, http.StatusNotFound, fhirclient.StatusCode(err))
	})
}

func TestExportCancel(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		statusURL := kickOff(t, c, "$export", nil)
		resp, err := c.Do(ctx, fhirclient.Request{Method: http.MethodDelete, Path: statusURL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		_, err = c.Do(ctx, fhirclient.Request{Method: http.MethodGet, Path: statusURL})
		assert.Equal(t, http.StatusNotFound, fhirclient.StatusCode(err))
	}, WithJobPolls(5))
}

func startImport(t *testing.T, c *fhirclient.Client, inputs ...fhirmodel.ImportInput) string {
	t.Helper()
	resp, err := c.Operation(context.Background(), http.MethodPost, "$import", nil,
		fhirmodel.NewImportParameters(fhirmodel.ImportModeIncrementalLoad, inputs...),
		fhirclient.Prefer(fhirclient.PreferRespondAsync))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return resp.ContentLocation()
}

var ndjsonHeader = http.Header{"Content-Type": {fhirmodel.ContentTypeNDJSON}} //nolint:gochecknoglobals

func TestImport(t *testing.T) {
	data := append(ndjson.Encode(
		patient("Doe", "1970-01-01").WithID("imported-1"),
		patient("Roe", "1980-01-01").WithID("imported-2"),
		fhirmodel.NewResource("Observation").WithID("wrong-type"),
	), []byte("{not json\n")...)
	source := httphelpers.HandlerWithResponse(200, ndjsonHeader, data)
	httphelpers.WithServer(source, func(sourceServer *httptest.Server) {
		withMockServer(t, func(c *fhirclient.Client, _ *Server) {
			ctx := context.Background()
			inputURL := sourceServer.URL + "/Patient.ndjson"
			resp, err := pollStatus(t, c, startImport(t, c, fhirmodel.ImportInput{Type: "Patient", URL: inputURL}))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var manifest fhirmodel.ImportManifest
			require.NoError(t, resp.Into(&manifest))
			require.Len(t, manifest.Output, 1)
			assert.Equal(t, 2, manifest.Output[0].Count)
			assert.Equal(t, inputURL, manifest.Output[0].InputURL)
			require.Len(t, manifest.Error, 1)
			assert.Equal(t, 2, manifest.Error[0].Count)

			errors, err := c.Do(ctx, fhirclient.Request{Method: http.MethodGet, Path: manifest.Error[0].URL})
			require.NoError(t, err)
			summary, err := ndjson.Summarize(bytes.NewReader(errors.Body))
			require.NoError(t, err)
			assert.Equal(t, 2, summary.Counts["OperationOutcome"])

			read, err := c.Read(ctx, "Patient", "imported-1")
			require.NoError(t, err)
			assert.Equal(t, "1", read.Resource.VersionID())
		})
	})
}

func TestImportSourceFailure(t *testing.T) {
	httphelpers.WithServer(httphelpers.HandlerWithStatus(404), func(sourceServer *httptest.Server) {
		withMockServer(t, func(c *fhirclient.Client, _ *Server) {
			_, err := pollStatus(t, c, startImport(t, c,
				fhirmodel.ImportInput{Type: "Patient", URL: sourceServer.URL + "/missing.ndjson"}))
			assert.Equal(t, http.StatusInternalServerError, fhirclient.StatusCode(err))
		})
	})
}

func TestImportValidation(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		valid := fhirmodel.NewImportParameters(fhirmodel.ImportModeInitialLoad,
			fhirmodel.ImportInput{Type: "Patient", URL: "http://localhost/x.ndjson"})

		_, err := c.Operation(ctx, http.MethodPost, "$import", nil, valid)
		assert.Equal(t, http.StatusBadRequest, fhirclient.StatusCode(err), "missing Prefer")

		for name, params := range map[string]fhirmodel.Parameters{
			"bad mode":  fhirmodel.NewImportParameters("Replace", fhirmodel.ImportInput{Type: "Patient", URL: "http://x"}),
			"no inputs": fhirmodel.NewImportParameters(fhirmodel.ImportModeInitialLoad),
			"bad input": fhirmodel.NewImportParameters(fhirmodel.ImportModeInitialLoad, fhirmodel.ImportInput{Type: "Patient"}),
		} {
			_, err := c.Operation(ctx, http.MethodPost, "$import", nil, params,
				fhirclient.Prefer(fhirclient.PreferRespondAsync))
			assert.Equal(t, http.StatusBadRequest, fhirclient.StatusCode(err), name)
		}
	})
}

func TestImportCancel(t *testing.T) {
	block := make(chan struct{})
	source := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	httphelpers.WithServer(source, func(sourceServer *httptest.Server) {
		defer close(block)
		withMockServer(t, func(c *fhirclient.Client, _ *Server) {
			ctx := context.Background()
			statusURL := startImport(t, c, fhirmodel.ImportInput{Type: "Patient", URL: sourceServer.URL})
			resp, err := c.Do(ctx, fhirclient.Request{Method: http.MethodDelete, Path: statusURL})
			require.NoError(t, err)
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)

			_, err = c.Do(ctx, fhirclient.Request{Method: http.MethodGet, Path: statusURL})
			assert.Equal(t, http.StatusNotFound, fhirclient.StatusCode(err))
		})
	})
}
