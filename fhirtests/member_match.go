package fhirtests

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

const memberMatchPath = "Patient/$member-match"

// memberMatchParameters builds the request body. The submitted patient and coverage carry no server
// ids, as they would when they come from another payer.
func memberMatchParameters(patient, coverage fhirmodel.Resource) fhirmodel.Parameters {
	return fhirmodel.NewParameters(
		fhirmodel.ResourceParam("MemberPatient", patient.WithoutVersion().WithID("")),
		fhirmodel.ResourceParam("CoverageToMatch", coverage.WithoutVersion().WithID("")),
	)
}

func doMemberMatchTests(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilityMemberMatch)

	t.Run("unique match", func(t *e2e.T) {
		d := newTestData(t)
		patient := d.createPatient()
		subscriberID := uuid.NewString()
		coverage := d.create(d.newCoverage(patient.Reference(), subscriberID))

		resp, err := d.client.Operation(context.Background(), http.MethodPost, memberMatchPath, nil,
			memberMatchParameters(patient, coverage))
		requireStatus(t, resp, err, http.StatusOK)
		params, err := resp.Parameters()
		require.NoError(t, err)
		p, ok := params.Get("MemberIdentifier")
		require.True(t, ok, "response had no MemberIdentifier")
		require.NotNil(t, p.ValueIdentifier)

		values := make([]string, 0)
		for _, id := range patient.Identifiers() {
			values = append(values, id.Value)
		}
		m.In(t).Assert(p.ValueIdentifier.Value, m.AnyOf(equalsAnyString(values)...))
	})

	t.Run("no match", func(t *e2e.T) {
		d := newTestData(t)
		patient := d.createPatient()
		coverage := d.create(d.newCoverage(patient.Reference(), uuid.NewString()))
		other := coverage.Clone().With("subscriberId", uuid.NewString())

		resp, err := d.client.Operation(context.Background(), http.MethodPost, memberMatchPath, nil,
			memberMatchParameters(patient, other))
		requireStatus(t, resp, err, http.StatusUnprocessableEntity)
		requireOutcome(t, resp)
	})

	t.Run("malformed request", func(t *e2e.T) {
		client := requireClient(t, fixtures.PrincipalDefault)
		resp, err := client.Do(context.Background(), fhirclient.Request{
			Method: http.MethodPost,
			Path:   memberMatchPath,
			Body:   fhirmodel.NewResource("Patient"),
		})
		requireStatus(t, resp, err, http.StatusBadRequest)
		requireOutcome(t, resp)
	})
}

func equalsAnyString(values []string) []m.Matcher {
	ret := make([]m.Matcher, 0, len(values))
	for _, v := range values {
		ret = append(ret, m.Equal(v))
	}
	return ret
}
