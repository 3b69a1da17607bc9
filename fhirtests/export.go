package fhirtests

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
	h "github.com/fhir-harness/fhir-test-harness/framework/helpers"
	"github.com/fhir-harness/fhir-test-harness/ndjson"
)

// exportData is a small patient population: two patients with one Observation each, a Group whose
// only member is the first patient, and an Organization outside any patient compartment.
type exportData struct {
	patients     []fhirmodel.Resource
	observations []fhirmodel.Resource
	group        fhirmodel.Resource
	organization fhirmodel.Resource
}

func newExportData(d *testData) exportData {
	var e exportData
	for i := 0; i < 2; i++ {
		p := d.createPatient()
		e.patients = append(e.patients, p)
		e.observations = append(e.observations, d.create(d.newObservation(p.Reference(), 60+i)))
	}
	e.group = d.create(d.newGroup("export group", e.patients[0].Reference()))
	e.organization = d.create(d.newOrganization("export organization"))
	return e
}

// kickOffExport starts an $export and returns the status URL.
func kickOffExport(t *e2e.T, client *fhirclient.Client, path string, params url.Values) string {
	t.Helper()
	resp, err := client.Operation(context.Background(), http.MethodGet, path, params, nil,
		fhirclient.Prefer(fhirclient.PreferRespondAsync))
	requireStatus(t, resp, err, http.StatusAccepted)
	statusURL := resp.ContentLocation()
	require.NotEmpty(t, statusURL, "kick-off response had no Content-Location")
	return statusURL
}

// runExport runs an $export to completion and returns its manifest.
func runExport(t *e2e.T, client *fhirclient.Client, path string, params url.Values) fhirmodel.ExportManifest {
	t.Helper()
	statusURL := kickOffExport(t, client, path, params)
	t.Defer(func() {
		// completed jobs can be deleted too; this releases the server's output files
		_, _ = client.Do(context.Background(), fhirclient.Request{Method: http.MethodDelete, Path: statusURL})
	})
	polling := pollJobStatus(t, client, statusURL)
	t.Debug("export finished after %d in-progress responses", len(polling.inProgress))
	for i, r := range polling.inProgress {
		assert.NotEmpty(t, r.Header.Get("X-Progress"), "in-progress response %d had no X-Progress header", i+1)
	}
	resp := polling.final
	requireStatus(t, resp, nil, http.StatusOK)
	var manifest fhirmodel.ExportManifest
	require.NoError(t, resp.Into(&manifest))
	return manifest
}

// fetchExportFile reads one output file. Files in the harness's blob store are read through it. Any
// other host gets the FHIR server's credentials only if the manifest says it needs them.
func fetchExportFile(t *e2e.T, manifest fhirmodel.ExportManifest, fileURL string) []byte {
	t.Helper()
	if blobs := requireContext(t).blobs; blobs != nil {
		if name, ok := blobs.ObjectNameFor(fileURL); ok {
			t.Debug("reading %s from bucket %s", name, blobs.Bucket())
			data, err := blobs.Download(context.Background(), name)
			require.NoError(t, err)
			return data
		}
	}
	principal := h.IfElse(manifest.RequiresAccessToken, fixtures.PrincipalDefault, fixtures.PrincipalStorage)
	resp, err := requireClient(t, principal).Do(context.Background(), fhirclient.Request{
		Method: http.MethodGet,
		Path:   fileURL,
		Header: http.Header{"Accept": {fhirmodel.ContentTypeNDJSON}},
	})
	requireStatus(t, resp, err, http.StatusOK)
	return resp.Body
}

// downloadExport reads every output file of a manifest into one summary.
func downloadExport(t *e2e.T, manifest fhirmodel.ExportManifest) ndjson.Summary {
	t.Helper()
	all := ndjson.Summary{Counts: make(map[string]int), IDs: make(map[string][]string)}
	for _, out := range manifest.Output {
		s, err := ndjson.Summarize(bytes.NewReader(fetchExportFile(t, manifest, out.URL)))
		require.NoError(t, err)
		assert.Empty(t, s.Invalid, "malformed lines in %s", out.URL)
		for _, rt := range s.Types() {
			assert.Equal(t, out.Type, rt, "file for %s contains %s", out.Type, rt)
			all.Counts[rt] += s.Counts[rt]
			all.IDs[rt] = append(all.IDs[rt], s.IDs[rt]...)
		}
	}
	return all
}

func doExportTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityExport)
	d := newTestData(t)
	population := newExportData(d)
	client := d.client

	t.Run("system", func(t *e2e.T) {
		manifest := runExport(t, client, "$export", url.Values{"_type": {"Patient,Observation"}})

		assert.NotEmpty(t, manifest.TransactionTime, "transactionTime")
		m.In(t).Assert(manifest.Request, m.StringContains("$export"))
		for _, out := range manifest.Output {
			assert.NotEmpty(t, out.URL)
		}

		contents := downloadExport(t, manifest)
		for _, p := range population.patients {
			assert.True(t, contents.HasID("Patient", p.ID()), "%s was not exported", p.Reference())
		}
		for _, o := range population.observations {
			assert.True(t, contents.HasID("Observation", o.ID()), "%s was not exported", o.Reference())
		}
	})

	t.Run("_type restricts output", func(t *e2e.T) {
		manifest := runExport(t, client, "$export", url.Values{"_type": {"Observation"}})
		require.NotEmpty(t, manifest.Output)
		for _, typ := range manifest.OutputTypes() {
			m.In(t).Assert(typ, m.Equal("Observation"))
		}
	})

	t.Run("patient", func(t *e2e.T) {
		manifest := runExport(t, client, "Patient/$export",
			url.Values{"_type": {"Patient,Observation,Organization"}})
		contents := downloadExport(t, manifest)
		for _, p := range population.patients {
			assert.True(t, contents.HasID("Patient", p.ID()), "%s was not exported", p.Reference())
		}
		for _, o := range population.observations {
			assert.True(t, contents.HasID("Observation", o.ID()), "%s was not exported", o.Reference())
		}
		assert.False(t, contents.HasID("Organization", population.organization.ID()),
			"an Organization is not in a patient compartment")
	})

	t.Run("group", func(t *e2e.T) {
		manifest := runExport(t, client, "Group/"+population.group.ID()+"/$export",
			url.Values{"_type": {"Patient,Observation"}})
		contents := downloadExport(t, manifest)
		assert.True(t, contents.HasID("Patient", population.patients[0].ID()), "group member was not exported")
		assert.True(t, contents.HasID("Observation", population.observations[0].ID()),
			"group member's Observation was not exported")
		assert.False(t, contents.HasID("Patient", population.patients[1].ID()), "non-member was exported")
		assert.False(t, contents.HasID("Observation", population.observations[1].ID()),
			"non-member's Observation was exported")
	})

	t.Run("cancel", func(t *e2e.T) {
		statusURL := kickOffExport(t, client, "$export", url.Values{"_type": {"Patient"}})
		resp, err := client.Do(context.Background(), fhirclient.Request{Method: http.MethodDelete, Path: statusURL})
		requireStatus(t, resp, err, http.StatusAccepted)

		requireCancelled(t, client, statusURL)
	})

	t.Run("unsupported _outputFormat", func(t *e2e.T) {
		resp, err := client.Operation(context.Background(), http.MethodGet, "$export",
			url.Values{"_outputFormat": {"application/x-unsupported"}}, nil,
			fhirclient.Prefer(fhirclient.PreferRespondAsync))
		requireStatus(t, resp, err, http.StatusBadRequest)
	})

	t.Run("async is required", func(t *e2e.T) {
		resp, err := client.Operation(context.Background(), http.MethodGet, "$export",
			url.Values{"_type": {"Patient"}}, nil)
		requireClientError(t, resp, err)
		assert.NotEqual(t, http.StatusAccepted, resp.StatusCode)
	})
}
