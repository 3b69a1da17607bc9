package fhirtests

import (
	"io"
	"os"
	"time"

	"github.com/fhir-harness/fhir-test-harness/blobstore"
	"github.com/fhir-harness/fhir-test-harness/config"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/fixtures"
	"github.com/fhir-harness/fhir-test-harness/framework"
	"github.com/fhir-harness/fhir-test-harness/framework/e2e"
	"github.com/fhir-harness/fhir-test-harness/framework/harness"
	h "github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

// SuiteConfig holds what the test suite needs besides the filters and the logger.
type SuiteConfig struct {
	Harness *harness.TestHarness
	Servers *fixtures.ServerCache

	// DataStore is config.DataStoreCosmosDB or config.DataStoreSQLServer.
	DataStore string

	// BlobStore, if set, hosts $import source files instead of the harness's own listener.
	BlobStore *blobstore.Store

	// Capabilities overrides the capabilities derived from the server's CapabilityStatement.
	Capabilities framework.Capabilities

	JobTimeout     time.Duration
	PollInterval   time.Duration
	MaxParallelism int

	// Output receives the suite's introductory messages. The default is os.Stdout.
	Output io.Writer
}

func RunFHIRTestSuite(
	suiteConfig SuiteConfig,
	filters e2e.RegexFilters,
	testLogger e2e.TestLogger,
) e2e.Results {
	out := suiteConfig.Output
	if out == nil {
		out = os.Stdout
	}
	capabilities := suiteConfig.Capabilities
	if capabilities == nil {
		capabilities = suiteConfig.Harness.ServerInfo().Capabilities
	}
	switch suiteConfig.DataStore {
	case config.DataStoreCosmosDB:
		capabilities = capabilities.With(fhirmodel.CapabilityDataStoreCosmos)
	case config.DataStoreSQLServer:
		capabilities = capabilities.With(fhirmodel.CapabilityDataStoreSQL)
	}
	if suiteConfig.BlobStore != nil {
		capabilities = capabilities.With(fhirmodel.CapabilityBlobStore)
	}

	h.MustFprintf(out, "Running FHIR test suite against %s (data store: %s)\n",
		suiteConfig.Harness.ServerInfo().BaseURL, suiteConfig.DataStore)
	h.MustFprintln(out)
	e2e.PrintFilterDescription(out, filters, fhirmodel.AllCapabilities(), capabilities)

	jobTimeout := suiteConfig.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	pollInterval := suiteConfig.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	testConfig := e2e.TestConfiguration{
		Filter:         filters,
		Capabilities:   capabilities,
		TestLogger:     testLogger,
		MaxParallelism: suiteConfig.MaxParallelism,
		Context: SuiteContext{
			harness:      suiteConfig.Harness,
			servers:      suiteConfig.Servers,
			key:          fixtures.ServerKey{DataStore: suiteConfig.DataStore, Format: fixtures.FormatJSON},
			blobs:        suiteConfig.BlobStore,
			jobTimeout:   jobTimeout,
			pollInterval: pollInterval,
		},
	}

	return e2e.Run(testConfig, doAllTests)
}

func doAllTests(t *e2e.T) {
	t.Run("metadata", doMetadataTests)
	t.Run("health", doHealthTests)
	t.Run("crud", doCRUDTests)
	t.Run("versioning", doVersioningTests)
	t.Run("conditional", doConditionalTests)
	t.Run("search", doSearchTests)
	t.Run("batch", doBatchTests)
	t.Run("transaction", doTransactionTests)
	t.Run("patch", doPatchTests)
	t.Run("export", doExportTests)
	t.Run("import", doImportTests)
	t.Run("terminology", doTerminologyTests)
	t.Run("member-match", doMemberMatchTests)
	t.Run("cors", doCORSTests)
	t.Run("auth", doAuthTests)
	t.Run("session consistency", doSessionConsistencyTests)
}
