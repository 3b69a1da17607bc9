package fhirtests

import (
	"bytes"
	"context"
	"net/http"

	"github.com/google/uuid"
	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

func doCRUDTests(t *e2e.T) {
	t.Parallel(
		e2e.Subtest{Name: "create", Action: doCreateTest},
		e2e.Subtest{Name: "read", Action: doReadTests},
		e2e.Subtest{Name: "update", Action: doUpdateTests},
		e2e.Subtest{Name: "delete", Action: doDeleteTest},
		e2e.Subtest{Name: "return minimal", Action: doReturnMinimalTest},
		e2e.Subtest{Name: "mismatched resource type", Action: doMismatchedTypeTest},
	)
}

func doCreateTest(t *e2e.T) {
	d := newTestData(t)
	resp, err := d.client.Create(context.Background(), d.newPatient())
	requireStatus(t, resp, err, http.StatusCreated)
	require.NotNil(t, resp.Resource)

	id := resp.Resource.ID()
	require.NotEmpty(t, id)
	m.In(t).Assert(resp.Location(), m.StringContains("Patient/"+id))
	m.In(t).Assert(resp.VersionFromETag(), m.Equal("1"))
	m.In(t).Assert(resp.Resource.VersionID(), m.Equal("1"))
	assert.NotEmpty(t, resp.Resource.LastUpdated(), "meta.lastUpdated")
	assert.True(t, resp.Resource.HasTag(d.tag.System, d.tag.Code), "run tag was not stored")
}

func doReadTests(t *e2e.T) {
	d := newTestData(t)
	created := d.createPatient()

	t.Run("existing resource", func(t *e2e.T) {
		resp, err := d.client.Read(context.Background(), "Patient", created.ID())
		requireStatus(t, resp, err, http.StatusOK)
		m.In(t).Assert(resp.Resource.ID(), m.Equal(created.ID()))
		m.In(t).Assert(resp.Resource.VersionID(), m.Equal(created.VersionID()))
		assert.Equal(t, created["name"], resp.Resource["name"])
		assert.Equal(t, created["identifier"], resp.Resource["identifier"])
	})

	t.Run("unknown id", func(t *e2e.T) {
		resp, err := d.client.Read(context.Background(), "Patient", uuid.NewString())
		requireStatus(t, resp, err, http.StatusNotFound)
		m.In(t).Assert(fhirclient.StatusCode(err), m.Equal(http.StatusNotFound))
		requireOutcome(t, resp)
	})
}

func doUpdateTests(t *e2e.T) {
	d := newTestData(t)
	created := d.createPatient()

	t.Run("bumps version", func(t *e2e.T) {
		updated := created.With("active", false)
		resp, err := d.client.Update(context.Background(), updated, fhirclient.IfMatch(created.VersionID()))
		requireStatus(t, resp, err, http.StatusOK)
		m.In(t).Assert(resp.Resource.VersionID(), m.Equal("2"))
		m.In(t).Assert(resp.VersionFromETag(), m.Equal("2"))
		m.In(t).Assert(resp.Resource["active"], m.Equal(false))
	})

	t.Run("stale If-Match is rejected", func(t *e2e.T) {
		resp, err := d.client.Update(context.Background(), created.With("gender", "male"),
			fhirclient.IfMatch(created.VersionID()))
		requireStatus(t, resp, err, http.StatusPreconditionFailed)
		requireOutcome(t, resp)
	})
}

func doDeleteTest(t *e2e.T) {
	d := newTestData(t)
	created := d.createPatient()

	resp, err := d.client.Delete(context.Background(), "Patient", created.ID())
	requireStatus(t, resp, err, http.StatusNoContent)

	resp, err = d.client.Read(context.Background(), "Patient", created.ID())
	requireStatus(t, resp, err, http.StatusGone, http.StatusNotFound)
}

func doReturnMinimalTest(t *e2e.T) {
	d := newTestData(t)
	resp, err := d.client.Create(context.Background(), d.newPatient(),
		fhirclient.Prefer(fhirclient.PreferReturnMinimal))
	requireStatus(t, resp, err, http.StatusCreated)
	assert.Empty(t, bytes.TrimSpace(resp.Body), "body should be empty with return=minimal")
	assert.NotEmpty(t, resp.Location())
}

func doMismatchedTypeTest(t *e2e.T) {
	d := newTestData(t)
	resp, err := d.client.Do(context.Background(), fhirclient.Request{
		Method: http.MethodPost,
		Path:   "Patient",
		Body:   d.newOrganization("mismatched"),
	})
	requireStatus(t, resp, err, http.StatusBadRequest)
	requireOutcome(t, resp)
}
