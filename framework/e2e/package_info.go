// Package e2e contains a test runner framework that is similar to Go's testing package, but is run
// as regular Go application code rather than Go tests. It adds richer capabilities for
// configuration, logging, result reporting, and capability-based skipping, which is what an
// end-to-end suite run against a deployed FHIR server needs.
package e2e
