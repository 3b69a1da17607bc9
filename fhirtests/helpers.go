package fhirtests

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/data"
	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
	h "github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

const (
	cleanupTimeout  = time.Minute
	cleanupPageSize = 100
	maxCleanupPages = 20
	maxBodyInError  = 500
)

var (
	patientTemplate      = data.MustLoadTemplate("patient")      //nolint:gochecknoglobals
	observationTemplate  = data.MustLoadTemplate("observation")  //nolint:gochecknoglobals
	coverageTemplate     = data.MustLoadTemplate("coverage")     //nolint:gochecknoglobals
	organizationTemplate = data.MustLoadTemplate("organization") //nolint:gochecknoglobals
	groupTemplate        = data.MustLoadTemplate("group")        //nolint:gochecknoglobals
)

func newRunTag() fhirmodel.Coding {
	return fhirmodel.Coding{System: fhirmodel.RunTagSystem, Code: uuid.NewString()}
}

// testData builds resources that carry a tag unique to one test scope. When the scope exits, every
// resource with the tag is deleted, including ones the server created from a bundle or an $import.
type testData struct {
	t      *e2e.T
	client *fhirclient.Client
	tag    fhirmodel.Coding
	types  map[string]bool
	lock   sync.Mutex
}

func newTestData(t *e2e.T) *testData {
	d := &testData{
		t:      t,
		client: requireClient(t, fixtures.PrincipalDefault),
		tag:    newRunTag(),
		types:  make(map[string]bool),
	}
	t.Defer(d.cleanup)
	return d
}

// tagQuery is the _tag search value that finds this scope's resources.
func (d *testData) tagQuery() string {
	return d.tag.System + "|" + d.tag.Code
}

func (d *testData) tagged(r fhirmodel.Resource) fhirmodel.Resource {
	d.lock.Lock()
	d.types[r.ResourceType()] = true
	d.lock.Unlock()
	return r.WithTag(d.tag)
}

func (d *testData) instantiate(tmpl data.Template, vars map[string]ldvalue.Value) fhirmodel.Resource {
	r, err := tmpl.Instantiate(vars)
	require.NoError(d.t, err)
	return d.tagged(r)
}

// newPatient returns a Patient that has not been stored yet. Its family name is unique, so that
// demographic matching finds only this patient.
func (d *testData) newPatient() fhirmodel.Resource {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return d.instantiate(patientTemplate, data.Strings(
		"MRN", uuid.NewString(),
		"FAMILY", "Harness"+suffix,
		"GIVEN", "Test",
		"BIRTH_DATE", "1970-01-01",
	))
}

func (d *testData) newObservation(patientRef string, value int) fhirmodel.Resource {
	return d.instantiate(observationTemplate, map[string]ldvalue.Value{
		"PATIENT_REF": ldvalue.String(patientRef),
		"VALUE":       ldvalue.Int(value),
	})
}

func (d *testData) newCoverage(patientRef, subscriberID string) fhirmodel.Resource {
	return d.instantiate(coverageTemplate, data.Strings("PATIENT_REF", patientRef, "SUBSCRIBER_ID", subscriberID))
}

func (d *testData) newOrganization(name string) fhirmodel.Resource {
	return d.instantiate(organizationTemplate, data.Strings("NAME", name))
}

func (d *testData) newGroup(name, patientRef string) fhirmodel.Resource {
	return d.instantiate(groupTemplate, data.Strings("NAME", name, "PATIENT_REF", patientRef))
}

// create stores a resource and requires a 201 response. It returns the stored resource.
func (d *testData) create(r fhirmodel.Resource) fhirmodel.Resource {
	d.t.Helper()
	resp, err := d.client.Create(context.Background(), d.tagged(r))
	requireStatus(d.t, resp, err, http.StatusCreated)
	require.NotNil(d.t, resp.Resource, "create returned no resource")
	require.NotEmpty(d.t, resp.Resource.ID(), "created resource has no id")
	return resp.Resource
}

func (d *testData) createPatient() fhirmodel.Resource {
	return d.create(d.newPatient())
}

// search finds this scope's resources of one type. The extra parameters are added to the _tag filter.
func (d *testData) search(resourceType string, params url.Values) fhirmodel.Bundle {
	d.t.Helper()
	q := url.Values{"_tag": {d.tagQuery()}}
	for k, v := range params {
		q[k] = append(q[k], v...)
	}
	resp, err := d.client.Search(context.Background(), resourceType, q)
	requireStatus(d.t, resp, err, http.StatusOK)
	b, err := resp.Bundle()
	require.NoError(d.t, err)
	return b
}

func (d *testData) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	d.lock.Lock()
	types := make([]string, 0, len(d.types))
	for t := range d.types {
		types = append(types, t)
	}
	d.lock.Unlock()
	sort.Strings(types)

	for _, resourceType := range types {
		q := url.Values{"_tag": {d.tagQuery()}, "_count": {fmt.Sprint(cleanupPageSize)}}
		for page := 0; page < maxCleanupPages; page++ {
			resp, err := d.client.Search(ctx, resourceType, q)
			if err != nil {
				d.t.Debug("cleanup search for %s failed: %s", resourceType, err)
				break
			}
			b, err := resp.Bundle()
			if err != nil || len(b.Entry) == 0 {
				break
			}
			for _, r := range b.Resources() {
				if _, err := d.client.Delete(ctx, r.ResourceType(), r.ID()); err != nil {
					d.t.Debug("cleanup of %s failed: %s", r.Reference(), err)
				}
			}
		}
	}
}

// requireStatus fails the test unless the request got a response with one of the expected statuses.
// An error status is not a failure if it was expected.
func requireStatus(t *e2e.T, resp *fhirclient.Response, err error, expected ...int) *fhirclient.Response {
	t.Helper()
	if resp == nil {
		require.NoError(t, err)
		require.FailNow(t, "no response")
	}
	for _, status := range expected {
		if resp.StatusCode == status {
			return resp
		}
	}
	require.Failf(t, "unexpected status", "expected status %v but got %d: %s", expected, resp.StatusCode,
		truncate(string(resp.Body), maxBodyInError))
	return resp
}

// requireOutcome requires the response body to be an OperationOutcome with at least one issue.
func requireOutcome(t *e2e.T, resp *fhirclient.Response) fhirmodel.OperationOutcome {
	t.Helper()
	o, ok := resp.OperationOutcome()
	require.True(t, ok, "expected an OperationOutcome but got: %s", truncate(string(resp.Body), maxBodyInError))
	assert.NotEmpty(t, o.Issue)
	return o
}

// cancelledJobStatus reports whether a status URL response shows a cancelled job. The server may have
// forgotten the job (404 or 410), or may still report it with an OperationOutcome that says it was
// cancelled.
func cancelledJobStatus(resp *fhirclient.Response) bool {
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return true
	case resp.StatusCode == http.StatusOK, resp.StatusCode >= 400 && resp.StatusCode < 500:
		o, ok := resp.OperationOutcome()
		return ok && o.Mentions("cancel")
	default:
		return false
	}
}

// requireCancelled polls a job's status URL once after it was cancelled.
func requireCancelled(t *e2e.T, client *fhirclient.Client, statusURL string) {
	t.Helper()
	resp, err := client.Do(context.Background(), fhirclient.Request{Method: http.MethodGet, Path: statusURL})
	if resp == nil {
		require.NoError(t, err)
		require.FailNow(t, "no response")
	}
	require.True(t, cancelledJobStatus(resp),
		"expected 404, 410 or an outcome reporting cancellation, but got %d: %s", resp.StatusCode,
		truncate(string(resp.Body), maxBodyInError))
}

// jobPolling is what polling an asynchronous request's status URL saw.
type jobPolling struct {
	final *fhirclient.Response

	// inProgress holds the 202 responses that came before the final one. It is empty if the job had
	// finished by the first poll.
	inProgress []*fhirclient.Response
}

// pollJob polls the status URL of an asynchronous request until it stops answering 202, and returns
// the final response.
func pollJob(t *e2e.T, client *fhirclient.Client, statusURL string) *fhirclient.Response {
	t.Helper()
	return pollJobStatus(t, client, statusURL).final
}

func pollJobStatus(t *e2e.T, client *fhirclient.Client, statusURL string) jobPolling {
	t.Helper()
	c := requireContext(t)
	var polling jobPolling
	err := h.PollUntil(context.Background(), c.pollInterval, c.jobTimeout, func() (bool, error) {
		resp, err := client.Do(context.Background(), fhirclient.Request{
			Method: http.MethodGet,
			Path:   statusURL,
			Header: http.Header{"Accept": {"application/json"}},
		})
		if resp == nil {
			return false, err
		}
		if resp.StatusCode == http.StatusAccepted {
			t.Debug("job in progress: %s", resp.Header.Get("X-Progress"))
			polling.inProgress = append(polling.inProgress, resp)
			return false, nil
		}
		polling.final = resp
		return true, nil
	})
	require.NoError(t, err, "job at %s did not finish", statusURL)
	return polling
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
