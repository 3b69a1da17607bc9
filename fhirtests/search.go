package fhirtests

import (
	"context"
	"net/http"
	"net/url"

	m "github.com/launchdarkly/go-test-helpers/v2/matchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
)

const (
	pagedResultCount = 5
	pageSize         = 2
	maxPages         = 10
)

func bundleIDs(b fhirmodel.Bundle) []string {
	ret := []string{}
	for _, r := range b.Resources() {
		ret = append(ret, r.ID())
	}
	return ret
}

func doSearchTests(t *e2e.T) {
	t.Parallel(
		e2e.Subtest{Name: "by _id", Action: doSearchByIDTest},
		e2e.Subtest{Name: "by identifier", Action: doSearchByIdentifierTest},
		e2e.Subtest{Name: "by _tag", Action: doSearchByTagTest},
		e2e.Subtest{Name: "paging", Action: doSearchPagingTest},
		e2e.Subtest{Name: "_total", Action: doSearchTotalTest},
		e2e.Subtest{Name: "POST _search", Action: doSearchPostTest},
	)
}

func doSearchByIDTest(t *e2e.T) {
	d := newTestData(t)
	p := d.createPatient()
	d.createPatient()

	b := d.search("Patient", url.Values{"_id": {p.ID()}})
	m.In(t).Assert(b.Type, m.Equal(fhirmodel.BundleTypeSearchset))
	m.In(t).Assert(bundleIDs(b), m.Equal([]string{p.ID()}))
}

func doSearchByIdentifierTest(t *e2e.T) {
	d := newTestData(t)
	p := d.createPatient()
	d.createPatient()

	ids := p.Identifiers()
	require.NotEmpty(t, ids)
	b := d.search("Patient", url.Values{"identifier": {ids[0].System + "|" + ids[0].Value}})
	m.In(t).Assert(bundleIDs(b), m.Equal([]string{p.ID()}))
}

func doSearchByTagTest(t *e2e.T) {
	d := newTestData(t)
	var want []string
	for i := 0; i < 3; i++ {
		want = append(want, d.createPatient().ID())
	}
	d.create(d.newOrganization("not a patient"))

	// a resource without the tag must not be found
	other := newTestData(t)
	other.createPatient()

	b := d.search("Patient", nil)
	assert.ElementsMatch(t, want, bundleIDs(b))
}

func doSearchPagingTest(t *e2e.T) {
	d := newTestData(t)
	var want []string
	for i := 0; i < pagedResultCount; i++ {
		want = append(want, d.createPatient().ID())
	}

	b := d.search("Patient", url.Values{"_count": {"2"}})
	got := bundleIDs(b)
	assert.LessOrEqual(t, len(b.Entry), pageSize)
	pages := 1
	for b.NextLink() != "" {
		require.Less(t, pages, maxPages, "too many pages")
		resp, err := d.client.NextPage(context.Background(), b)
		requireStatus(t, resp, err, http.StatusOK)
		b, err = resp.Bundle()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(b.Entry), pageSize)
		got = append(got, bundleIDs(b)...)
		pages++
	}
	m.In(t).Assert(pages, m.Equal((pagedResultCount+pageSize-1)/pageSize))
	assert.ElementsMatch(t, want, got)
}

func doSearchTotalTest(t *e2e.T) {
	d := newTestData(t)
	for i := 0; i < 3; i++ {
		d.createPatient()
	}

	b := d.search("Patient", url.Values{"_total": {"accurate"}, "_count": {"1"}})
	require.NotNil(t, b.Total, "Bundle.total was not set")
	m.In(t).Assert(*b.Total, m.Equal(3))
	m.In(t).Assert(len(b.Entry), m.Equal(1))
}

func doSearchPostTest(t *e2e.T) {
	t.RequireCapability(fhirmodel.CapabilitySearchPost)
	d := newTestData(t)
	p := d.createPatient()

	resp, err := d.client.SearchPost(context.Background(), "Patient",
		url.Values{"_tag": {d.tagQuery()}, "_id": {p.ID()}})
	requireStatus(t, resp, err, http.StatusOK)
	b, err := resp.Bundle()
	require.NoError(t, err)
	m.In(t).Assert(bundleIDs(b), m.Equal([]string{p.ID()}))
}
