// Package fhirclient is a small FHIR REST client used by the test suites. It decodes responses into
// fhirmodel types and reports error statuses as *OperationOutcomeError.
package fhirclient
