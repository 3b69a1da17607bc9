package fhirtests

import (
	"context"
	"net/http"
	"strings"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

func doMetadataTests(t *e2e.T) {
	client := requireClient(t, fixtures.PrincipalAnonymous)

	resp, err := client.Metadata(context.Background())
	requireStatus(t, resp, err, http.StatusOK)
	var cs fhirmodel.CapabilityStatement
	require.NoError(t, resp.Into(&cs))

	t.Run("resource type", func(t *e2e.T) {
		m.In(t).Assert(cs.ResourceType, m.Equal("CapabilityStatement"))
	})

	t.Run("FHIR version is R4", func(t *e2e.T) {
		assert.True(t, strings.HasPrefix(cs.FHIRVersion, "4.0."), "fhirVersion was %q", cs.FHIRVersion)
	})

	t.Run("supports JSON", func(t *e2e.T) {
		assert.True(t, cs.SupportsFormat("json"), "format was %v", cs.Format)
	})

	t.Run("rest mode is server", func(t *e2e.T) {
		require.NotEmpty(t, cs.Rest)
		m.In(t).Assert(cs.Rest[0].Mode, m.Equal("server"))
	})

	t.Run("anonymous access", func(t *e2e.T) {
		// the capability statement must be readable without credentials even on a secured server
		m.In(t).Assert(resp.StatusCode, m.Equal(http.StatusOK))
	})
}

type healthCheck struct {
	OverallStatus string `json:"overallStatus"`
}

func doHealthTests(t *e2e.T) {
	client := requireClient(t, fixtures.PrincipalAnonymous)

	t.Run("check returns healthy", func(t *e2e.T) {
		resp, err := client.Health(context.Background())
		requireStatus(t, resp, err, http.StatusOK)
		var status healthCheck
		require.NoError(t, resp.Into(&status))
		m.In(t).Assert(status.OverallStatus, m.Equal("Healthy"))
	})
}
