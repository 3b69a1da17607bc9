package fhirtests

import (
	"context"
	"net/http"
	"net/url"

	"github.com/stretchr/testify/assert"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

func searchPatients(t *e2e.T, principal fixtures.Principal) (*fhirclient.Response, error) {
	client := requireClient(t, principal)
	return client.Search(context.Background(), "Patient", url.Values{"_count": {"1"}})
}

func doAuthTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilitySecurity)

	t.Run("anonymous request is rejected", func(t *e2e.T) {
		resp, err := searchPatients(t, fixtures.PrincipalAnonymous)
		requireStatus(t, resp, err, http.StatusUnauthorized)
		assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"), "401 response should name the auth scheme")
	})

	t.Run("invalid token is rejected", func(t *e2e.T) {
		resp, err := searchPatients(t, fixtures.PrincipalInvalidToken)
		requireStatus(t, resp, err, http.StatusUnauthorized)
	})

	t.Run("valid token is accepted", func(t *e2e.T) {
		resp, err := searchPatients(t, fixtures.PrincipalDefault)
		requireStatus(t, resp, err, http.StatusOK)
	})

	t.Run("metadata is public", func(t *e2e.T) {
		client := requireClient(t, fixtures.PrincipalAnonymous)
		resp, err := client.Metadata(context.Background())
		requireStatus(t, resp, err, http.StatusOK)
	})
}
