package fhirtests

import (
	"context"
	"net/http"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

const consistencySession = "Session"

// doSessionConsistencyTests checks read-your-writes on a Cosmos DB backed server. The clients for such
// a server send the session token of the previous response with every request.
func doSessionConsistencyTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityDataStoreCosmos)

	t.Run("responses carry a session token", func(t *e2e.T) {
		d := newTestData(t)
		resp, err := d.client.Create(context.Background(), d.tagged(d.newPatient()))
		requireStatus(t, resp, err, http.StatusCreated)
		assert.NotEmpty(t, resp.Header.Get(fhirclient.HeaderSessionToken))
	})

	t.Run("read after create", func(t *e2e.T) {
		d := newTestData(t)
		created := d.createPatient()
		resp, err := d.client.Read(context.Background(), "Patient", created.ID(),
			fhirclient.ConsistencyLevel(consistencySession))
		requireStatus(t, resp, err, http.StatusOK)
		m.In(t).Assert(resp.Resource.VersionID(), m.Equal(created.VersionID()))
	})

	t.Run("read after update", func(t *e2e.T) {
		d := newTestData(t)
		created := d.createPatient()
		for i := 1; i <= 3; i++ {
			updated := created.With("multipleBirthInteger", i)
			resp, err := d.client.Update(context.Background(), updated)
			requireStatus(t, resp, err, http.StatusOK)
			version := resp.VersionFromETag()

			resp, err = d.client.Read(context.Background(), "Patient", created.ID(),
				fhirclient.ConsistencyLevel(consistencySession))
			requireStatus(t, resp, err, http.StatusOK)
			m.In(t).Assert(resp.Resource.VersionID(), m.Equal(version))
			m.In(t).Assert(resp.Resource["multipleBirthInteger"], m.Equal(float64(i)))
		}
	})

	t.Run("search after create", func(t *e2e.T) {
		d := newTestData(t)
		created := d.createPatient()
		b := d.search("Patient", nil)
		assert.Equal(t, []string{created.ID()}, bundleIDs(b))
	})
}
