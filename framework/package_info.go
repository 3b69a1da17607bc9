// Package framework contains the low-level implementation of test harness infrastructure that is
// independent of the individual FHIR test suites. The base package contains shared types such as
// Logger and Capabilities; other components are in the subpackages harness, e2e, helpers and opt.
//
// The general model is:
//
// 1. The test harness talks to a FHIR server under test, which it verifies is alive on startup by
// querying its health and capability endpoints.
//
// 2. The test harness can expose any number of mock endpoints that the server under test can call
// back into, for instance to fetch the source files of a bulk import.
//
// 3. There is a general notion of a test scope which is similar to Go's testing.T, allowing pieces
// of test logic to be associated with a test identifier and to accumulate success/failure results.
//
// The suite code that knows what is being tested is responsible for building requests, creating
// and cleaning up test data, and asserting on responses.
package framework
