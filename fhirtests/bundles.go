package fhirtests

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

func entryStatus(e fhirmodel.BundleEntry) string {
	if e.Response == nil {
		return ""
	}
	return e.Response.Status
}

// statusClass returns the leading digit of a bundle entry status such as "201 Created".
func statusClass(status string) byte {
	if status == "" {
		return 0
	}
	return status[0]
}

func doBatchTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityBatch)
	d := newTestData(t)

	b := fhirmodel.NewBundle(fhirmodel.BundleTypeBatch,
		fhirmodel.PostEntry("urn:uuid:"+uuid.NewString(), d.newPatient()),
		fhirmodel.GetEntry("Patient/"+uuid.NewString()),
		fhirmodel.PostEntry("", d.newOrganization("batch organization")),
	)
	resp, err := d.client.PostBundle(context.Background(), b)
	requireStatus(t, resp, err, http.StatusOK)
	out, err := resp.Bundle()
	require.NoError(t, err)

	t.Run("response type", func(t *e2e.T) {
		m.In(t).Assert(out.Type, m.Equal(fhirmodel.BundleTypeBatchResponse))
	})

	t.Run("entries are independent and in order", func(t *e2e.T) {
		require.Len(t, out.Entry, 3)
		assert.Equal(t, byte('2'), statusClass(entryStatus(out.Entry[0])), "entry 0: %s", entryStatus(out.Entry[0]))
		assert.Equal(t, byte('4'), statusClass(entryStatus(out.Entry[1])), "entry 1: %s", entryStatus(out.Entry[1]))
		assert.Equal(t, byte('2'), statusClass(entryStatus(out.Entry[2])), "entry 2: %s", entryStatus(out.Entry[2]))
		require.NotNil(t, out.Entry[0].Resource)
		m.In(t).Assert(out.Entry[0].Resource.ResourceType(), m.Equal("Patient"))
		require.NotNil(t, out.Entry[2].Resource)
		m.In(t).Assert(out.Entry[2].Resource.ResourceType(), m.Equal("Organization"))
	})

	t.Run("failed entry has an outcome", func(t *e2e.T) {
		require.Len(t, out.Entry, 3)
		require.NotNil(t, out.Entry[1].Response)
		require.NotNil(t, out.Entry[1].Response.Outcome, "response.outcome of the failed entry")
		m.In(t).Assert(out.Entry[1].Response.Outcome.ResourceType(), m.Equal("OperationOutcome"))
	})
}

func doTransactionTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityTransaction)

	t.Run("urn:uuid references are resolved", func(t *e2e.T) {
		d := newTestData(t)
		patientURN := "urn:uuid:" + uuid.NewString()
		b := fhirmodel.NewBundle(fhirmodel.BundleTypeTransaction,
			fhirmodel.PostEntry(patientURN, d.newPatient()),
			fhirmodel.PostEntry("urn:uuid:"+uuid.NewString(), d.newObservation(patientURN, 72)),
		)
		resp, err := d.client.PostBundle(context.Background(), b)
		requireStatus(t, resp, err, http.StatusOK)
		out, err := resp.Bundle()
		require.NoError(t, err)
		m.In(t).Assert(out.Type, m.Equal(fhirmodel.BundleTypeTransactionResponse))
		require.Len(t, out.Entry, 2)
		for i, e := range out.Entry {
			assert.True(t, strings.HasPrefix(entryStatus(e), "201"), "entry %d: %s", i, entryStatus(e))
		}

		patientID := entryResourceID(t, out.Entry[0], "Patient")
		obsID := entryResourceID(t, out.Entry[1], "Observation")
		obsResp, err := d.client.Read(context.Background(), "Observation", obsID)
		requireStatus(t, obsResp, err, http.StatusOK)
		var obs struct {
			Subject fhirmodel.Reference `json:"subject"`
		}
		require.NoError(t, obsResp.Resource.Into(&obs))
		m.In(t).Assert(obs.Subject.Reference, m.Equal("Patient/"+patientID))
	})

	t.Run("failure rolls back every entry", func(t *e2e.T) {
		d := newTestData(t)
		stale := fhirmodel.PutEntry(d.newPatient().WithID(uuid.NewString()))
		stale.Request.IfMatch = `W/"1"`
		b := fhirmodel.NewBundle(fhirmodel.BundleTypeTransaction,
			fhirmodel.PostEntry("urn:uuid:"+uuid.NewString(), d.newPatient()),
			fhirmodel.PostEntry("urn:uuid:"+uuid.NewString(), d.newOrganization("rolled back")),
			stale,
		)
		resp, err := d.client.PostBundle(context.Background(), b)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.True(t, resp.StatusCode >= 400 && resp.StatusCode < 500, "status was %d", resp.StatusCode)
		requireOutcome(t, resp)

		assert.Empty(t, d.search("Patient", nil).Entry, "no Patient from the failed transaction may persist")
		assert.Empty(t, d.search("Organization", nil).Entry,
			"no Organization from the failed transaction may persist")
	})
}

// entryResourceID gets the id of the resource an entry created, from the entry's resource or else from
// response.location.
func entryResourceID(t *e2e.T, e fhirmodel.BundleEntry, resourceType string) string {
	t.Helper()
	if e.Resource != nil && e.Resource.ID() != "" {
		m.In(t).Assert(e.Resource.ResourceType(), m.Equal(resourceType))
		return e.Resource.ID()
	}
	require.NotNil(t, e.Response)
	location := e.Response.Location
	i := strings.Index(location, resourceType+"/")
	require.GreaterOrEqual(t, i, 0, "response.location %q does not name a %s", location, resourceType)
	id := strings.TrimPrefix(location[i:], resourceType+"/")
	id, _, _ = strings.Cut(id, "/")
	require.NotEmpty(t, id)
	return id
}
