package fhirclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

// Response is a server response with its body already read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Resource is the decoded body if it was a JSON object, or nil otherwise.
	Resource fhirmodel.Resource
}

func newResponse(resp *http.Response, body []byte) *Response {
	r := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		r.Resource, _ = fhirmodel.ParseResource(trimmed)
	}
	return r
}

func (r *Response) ETag() string { return r.Header.Get("ETag") }

func (r *Response) Location() string { return r.Header.Get("Location") }

// ContentLocation is the status URL returned by an async kick-off request.
func (r *Response) ContentLocation() string { return r.Header.Get("Content-Location") }

// VersionFromETag returns the version in a weak ETag such as W/"3", or "" if there is no ETag.
func (r *Response) VersionFromETag() string {
	etag := strings.TrimPrefix(strings.TrimSpace(r.ETag()), "W/")
	return strings.Trim(etag, `"`)
}

// Into decodes the body into a typed value.
func (r *Response) Into(target interface{}) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return fmt.Errorf("response with status %d had an empty body", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fmt.Errorf("cannot decode response body as %T: %w", target, err)
	}
	return nil
}

func (r *Response) Bundle() (fhirmodel.Bundle, error) {
	var b fhirmodel.Bundle
	if err := r.Into(&b); err != nil {
		return b, err
	}
	if b.ResourceType != "Bundle" {
		return b, fmt.Errorf("expected a Bundle but got %q", b.ResourceType)
	}
	return b, nil
}

func (r *Response) Parameters() (fhirmodel.Parameters, error) {
	var p fhirmodel.Parameters
	if err := r.Into(&p); err != nil {
		return p, err
	}
	if p.ResourceType != "Parameters" {
		return p, fmt.Errorf("expected Parameters but got %q", p.ResourceType)
	}
	return p, nil
}

// OperationOutcome decodes the body as an OperationOutcome. It returns false if the body is not one.
func (r *Response) OperationOutcome() (fhirmodel.OperationOutcome, bool) {
	var o fhirmodel.OperationOutcome
	if r.Resource.ResourceType() != "OperationOutcome" {
		return o, false
	}
	if err := r.Into(&o); err != nil {
		return o, false
	}
	return o, true
}
