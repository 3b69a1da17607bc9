package fhirtests

import (
	"context"
	"net/http"
	"strings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

const corsOrigin = "https://harness.example.com"

// headerListContains reports whether a comma-separated header value contains the item, ignoring case.
func headerListContains(list, item string) bool {
	for _, v := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(v), item) {
			return true
		}
	}
	return false
}

func allowsOrigin(header http.Header) bool {
	v := header.Get("Access-Control-Allow-Origin")
	return v == "*" || v == corsOrigin
}

func doCORSTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityCORS)

	t.Run("preflight", func(t *e2e.T) {
		client := requireClient(t, fixtures.PrincipalAnonymous)
		resp, err := client.Options(context.Background(), "Patient", http.Header{
			"Origin":                         {corsOrigin},
			"Access-Control-Request-Method":  {http.MethodPut},
			"Access-Control-Request-Headers": {"Content-Type, If-Match"},
		})
		requireStatus(t, resp, err, http.StatusOK, http.StatusNoContent)

		assert.True(t, allowsOrigin(resp.Header), "origin not allowed: %q",
			resp.Header.Get("Access-Control-Allow-Origin"))
		methods := resp.Header.Get("Access-Control-Allow-Methods")
		assert.True(t, headerListContains(methods, http.MethodPut), "PUT not allowed: %q", methods)
		headers := resp.Header.Get("Access-Control-Allow-Headers")
		for _, name := range []string{"Content-Type", "If-Match"} {
			assert.True(t, headerListContains(headers, name), "%s not allowed: %q", name, headers)
		}
	})

	t.Run("simple request", func(t *e2e.T) {
		client := requireClient(t, fixtures.PrincipalAnonymous)
		resp, err := client.Do(context.Background(), fhirclient.Request{
			Method: http.MethodGet,
			Path:   "metadata",
			Header: http.Header{"Origin": {corsOrigin}},
		})
		requireStatus(t, resp, err, http.StatusOK)
		require.True(t, allowsOrigin(resp.Header), "origin not allowed: %q",
			resp.Header.Get("Access-Control-Allow-Origin"))
	})
}
