package fhirtests

import (
	"context"
	"net/http"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

const versionCount = 3

func doVersioningTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityVersioning)

	d := newTestData(t)
	versions := []fhirmodel.Resource{d.createPatient()}
	for i := 1; i < versionCount; i++ {
		prev := versions[len(versions)-1]
		resp, err := d.client.Update(context.Background(), prev.With("multipleBirthInteger", i),
			fhirclient.IfMatch(prev.VersionID()))
		requireStatus(t, resp, err, http.StatusOK)
		versions = append(versions, resp.Resource)
	}

	t.Run("vread", func(t *e2e.T) {
		for _, v := range versions {
			resp, err := d.client.VRead(context.Background(), "Patient", v.ID(), v.VersionID())
			requireStatus(t, resp, err, http.StatusOK)
			m.In(t).Assert(resp.Resource.VersionID(), m.Equal(v.VersionID()))
			m.In(t).Assert(resp.Resource["multipleBirthInteger"], m.Equal(v["multipleBirthInteger"]))
		}
	})

	t.Run("vread of unknown version", func(t *e2e.T) {
		resp, err := d.client.VRead(context.Background(), "Patient", versions[0].ID(), "999")
		requireStatus(t, resp, err, http.StatusNotFound)
	})

	t.Run("history is newest first", func(t *e2e.T) {
		t.RequireCapability(fhirmodel.CapabilityHistory)
		resp, err := d.client.History(context.Background(), "Patient", versions[0].ID())
		requireStatus(t, resp, err, http.StatusOK)
		b, err := resp.Bundle()
		require.NoError(t, err)
		m.In(t).Assert(b.Type, m.Equal(fhirmodel.BundleTypeHistory))

		var got []string
		for _, r := range b.Resources() {
			got = append(got, r.VersionID())
		}
		var want []string
		for i := len(versions) - 1; i >= 0; i-- {
			want = append(want, versions[i].VersionID())
		}
		m.In(t).Assert(got, m.Equal(want))
	})
}
