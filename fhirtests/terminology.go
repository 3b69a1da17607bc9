package fhirtests

import (
	"context"
	"net/http"
	"net/url"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/data"
	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

const lookupPath = "CodeSystem/$lookup"

type lookupCase struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type lookupTestFile struct {
	Case lookupCase `json:"case"`
}

func doTerminologyTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityLookup)

	sources, err := data.LoadDataFile("lookup/known-codes.yaml")
	require.NoError(t, err)

	for _, source := range sources {
		var file lookupTestFile
		require.NoError(t, source.ParseInto(&file))
		tc := file.Case

		t.Run(tc.System+"|"+tc.Code, func(t *e2e.T) {
			client := requireClient(t, fixtures.PrincipalDefault)

			t.Run("GET", func(t *e2e.T) {
				resp, err := client.Operation(context.Background(), http.MethodGet, lookupPath,
					url.Values{"system": {tc.System}, "code": {tc.Code}}, nil)
				requireStatus(t, resp, err, http.StatusOK)
				requireDisplay(t, resp, tc.Display)
			})

			t.Run("POST coding", func(t *e2e.T) {
				body := fhirmodel.NewParameters(fhirmodel.Parameter{
					Name:        "coding",
					ValueCoding: &fhirmodel.Coding{System: tc.System, Code: tc.Code},
				})
				resp, err := client.Operation(context.Background(), http.MethodPost, lookupPath, nil, body)
				requireStatus(t, resp, err, http.StatusOK)
				requireDisplay(t, resp, tc.Display)
			})
		})
	}

	t.Run("unknown code", func(t *e2e.T) {
		client := requireClient(t, fixtures.PrincipalDefault)
		resp, err := client.Operation(context.Background(), http.MethodGet, lookupPath,
			url.Values{"system": {"http://loinc.org"}, "code": {"0000-0"}}, nil)
		requireStatus(t, resp, err, http.StatusNotFound, http.StatusBadRequest)
		requireOutcome(t, resp)
		m.In(t).Assert(fhirclient.StatusCode(err), m.Equal(resp.StatusCode))
	})

	t.Run("missing code", func(t *e2e.T) {
		client := requireClient(t, fixtures.PrincipalDefault)
		resp, err := client.Operation(context.Background(), http.MethodGet, lookupPath,
			url.Values{"system": {"http://loinc.org"}}, nil)
		requireStatus(t, resp, err, http.StatusBadRequest)
		requireOutcome(t, resp)
	})
}

func requireDisplay(t *e2e.T, resp *fhirclient.Response, expected string) {
	t.Helper()
	params, err := resp.Parameters()
	require.NoError(t, err)
	display, ok := params.Get("display")
	require.True(t, ok, "lookup result had no display parameter")
	m.In(t).Assert(display.StringValue(), m.Equal(expected))
}
