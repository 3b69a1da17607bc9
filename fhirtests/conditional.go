package fhirtests

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

// identifierQuery is a search that matches only the resource's first identifier.
func identifierQuery(t *e2e.T, r fhirmodel.Resource) string {
	ids := r.Identifiers()
	require.NotEmpty(t, ids, "resource has no identifier")
	return url.Values{"identifier": {ids[0].System + "|" + ids[0].Value}}.Encode()
}

func doConditionalTests(t *e2e.T) {
	t.Run("create", func(t *e2e.T) {
		t.RequireCapability(fhirmodel.CapabilityConditionalCreate)
		d := newTestData(t)

		t.Run("existing match returns it", func(t *e2e.T) {
			existing := d.createPatient()
			resp, err := d.client.ConditionalCreate(context.Background(), existing.WithID(""),
				identifierQuery(t, existing))
			requireStatus(t, resp, err, http.StatusOK)
			m.In(t).Assert(resp.Resource.ID(), m.Equal(existing.ID()))
			m.In(t).Assert(resp.Resource.VersionID(), m.Equal(existing.VersionID()))
		})

		t.Run("no match creates", func(t *e2e.T) {
			p := d.newPatient()
			resp, err := d.client.ConditionalCreate(context.Background(), p, identifierQuery(t, p))
			requireStatus(t, resp, err, http.StatusCreated)
			require.NotEmpty(t, resp.Resource.ID())
		})
	})

	t.Run("update", func(t *e2e.T) {
		t.RequireCapability(fhirmodel.CapabilityConditionalUpdate)
		d := newTestData(t)

		t.Run("no match creates", func(t *e2e.T) {
			p := d.newPatient()
			resp, err := d.client.ConditionalUpdate(context.Background(), p, identifierQuery(t, p))
			requireStatus(t, resp, err, http.StatusCreated)
			require.NotEmpty(t, resp.Resource.ID())
		})

		t.Run("single match updates it", func(t *e2e.T) {
			existing := d.createPatient()
			resp, err := d.client.ConditionalUpdate(context.Background(),
				existing.WithID("").With("active", false), identifierQuery(t, existing))
			requireStatus(t, resp, err, http.StatusOK)
			m.In(t).Assert(resp.Resource.ID(), m.Equal(existing.ID()))
			m.In(t).Assert(resp.Resource.VersionID(), m.Equal("2"))
		})

		t.Run("multiple matches are rejected", func(t *e2e.T) {
			shared := uuid.NewString()
			for i := 0; i < 2; i++ {
				d.create(d.newOrganization(shared))
			}
			resp, err := d.client.ConditionalUpdate(context.Background(), d.newOrganization(shared),
				url.Values{"_tag": {d.tagQuery()}}.Encode())
			requireStatus(t, resp, err, http.StatusPreconditionFailed)
			requireOutcome(t, resp)
		})
	})

	t.Run("delete", func(t *e2e.T) {
		t.RequireCapability(fhirmodel.CapabilityConditionalDelete)
		d := newTestData(t)
		existing := d.createPatient()

		resp, err := d.client.ConditionalDelete(context.Background(), "Patient", identifierQuery(t, existing))
		requireStatus(t, resp, err, http.StatusNoContent, http.StatusOK)

		resp, err = d.client.Read(context.Background(), "Patient", existing.ID())
		requireStatus(t, resp, err, http.StatusGone, http.StatusNotFound)
	})
}
