package fhirtests

import (
	"context"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/blobstore"
	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
	"github.com/fhir-harness/fhir-test-harness/framework/harness"
)

const (
	defaultJobTimeout   = time.Minute * 5
	defaultPollInterval = time.Second
)

// SuiteContext is available to every test through e2e.T.Context.
type SuiteContext struct {
	harness      *harness.TestHarness
	servers      *fixtures.ServerCache
	key          fixtures.ServerKey
	blobs        *blobstore.Store
	jobTimeout   time.Duration
	pollInterval time.Duration
}

func requireContext(t *e2e.T) SuiteContext {
	if c, ok := t.Context().(SuiteContext); ok {
		return c
	}
	panic("SuiteContext was not included in the global test configuration!" +
		" This is a basic mistake in the initialization logic.")
}

// requireServer returns the server under test. If the server could not be initialized, every test
// that uses it fails with the same error.
func requireServer(t *e2e.T) *fixtures.TestFhirServer {
	c := requireContext(t)
	s, err := c.servers.Server(context.Background(), c.key)
	require.NoError(t, err)
	return s
}

// requireClient returns a client for the principal whose request log goes to the test's debug output.
func requireClient(t *e2e.T, principal fixtures.Principal) *fhirclient.Client {
	client, err := requireServer(t).ClientWithLogger(principal, t.DebugLogger())
	require.NoError(t, err)
	return client
}
