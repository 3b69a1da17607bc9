package fhirclient

import (
	"errors"
	"fmt"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

// OperationOutcomeError is returned for any response with a status of 300 or more. Outcome is nil if
// the server did not send an OperationOutcome.
type OperationOutcomeError struct {
	Method     string
	URL        string
	StatusCode int
	Outcome    *fhirmodel.OperationOutcome
	Response   *Response
}

func newOperationOutcomeError(method, url string, resp *Response) *OperationOutcomeError {
	e := &OperationOutcomeError{
		Method:     method,
		URL:        url,
		StatusCode: resp.StatusCode,
		Response:   resp,
	}
	if o, ok := resp.OperationOutcome(); ok {
		e.Outcome = &o
	}
	return e
}

func (e *OperationOutcomeError) Error() string {
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 {
		return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Outcome)
	}
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

// StatusCode returns the HTTP status of an *OperationOutcomeError anywhere in err's chain, or 0.
func StatusCode(err error) int {
	var oe *OperationOutcomeError
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	return 0
}
