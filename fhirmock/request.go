package fhirmock

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

// request is a REST interaction, either from an HTTP request or from a bundle entry.
type request struct {
	method      string
	segments    []string
	query       url.Values
	body        fhirmodel.Resource
	rawBody     []byte
	contentType string
	ifMatch     string
	ifNoneExist string
	baseURL     string

	// assignedID is the id a transaction reserved for a create.
	assignedID string
}

// result is the outcome of executing a request. For an error status, resource is an
// OperationOutcome.
type result struct {
	status       int
	resource     fhirmodel.Resource
	location     string
	etag         string
	lastModified string
}

func (r result) failed() bool { return r.status >= 400 }

func failure(status int, code, format string, args ...interface{}) result {
	o, _ := fhirmodel.ToResource(fhirmodel.ErrorOutcome(code, format, args...))
	return result{status: status, resource: o}
}

func resourceResult(status int, r fhirmodel.Resource, baseURL string) result {
	m := r.Meta()
	return result{
		status:       status,
		resource:     r,
		location:     fmt.Sprintf("%s/%s/_history/%s", baseURL, r.Reference(), m.VersionID),
		etag:         weakETag(m.VersionID),
		lastModified: m.LastUpdated,
	}
}

func weakETag(versionID string) string { return `W/"` + versionID + `"` }

// parseETag accepts W/"3", "3" or 3.
func parseETag(etag string) string {
	return strings.Trim(strings.TrimPrefix(strings.TrimSpace(etag), "W/"), `"`)
}

func itoa(n int) string { return strconv.Itoa(n) }

// parseEntryURL splits a relative bundle entry URL such as "Patient/1" or "Patient?identifier=x".
func parseEntryURL(raw string) ([]string, url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	var segments []string
	for _, s := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments, u.Query(), nil
}

// execute dispatches a request on the shape of its path. The caller holds the server lock.
func (s *Server) execute(req request) result {
	seg := req.segments
	if len(seg) == 0 {
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "request has no resource type")
	}
	resourceType := seg[0]
	if !isResourceType(resourceType) {
		return failure(http.StatusNotFound, fhirmodel.IssueTypeNotSupported, "unknown resource type %q", resourceType)
	}
	switch {
	case len(seg) == 1:
		switch req.method {
		case http.MethodGet:
			return s.search(req, resourceType, req.query)
		case http.MethodPost:
			return s.create(req, resourceType)
		case http.MethodPut:
			return s.conditionalUpdate(req, resourceType)
		case http.MethodDelete:
			return s.conditionalDelete(resourceType, req.query)
		}
	case len(seg) == 2 && seg[1] == "_search" && req.method == http.MethodPost:
		return s.search(req, resourceType, req.query)
	case len(seg) == 2 && seg[1] == "_history" && req.method == http.MethodGet:
		return s.typeHistory(req, resourceType)
	case len(seg) == 2:
		switch req.method {
		case http.MethodGet:
			return s.read(req, resourceType, seg[1])
		case http.MethodPut:
			return s.update(req, resourceType, seg[1])
		case http.MethodDelete:
			return s.delete(resourceType, seg[1])
		case http.MethodPatch:
			return s.patch(req, resourceType, seg[1])
		}
	case len(seg) == 3 && seg[2] == "_history" && req.method == http.MethodGet:
		return s.instanceHistory(req, resourceType, seg[1])
	case len(seg) == 4 && seg[2] == "_history" && req.method == http.MethodGet:
		return s.vread(req, resourceType, seg[1], seg[3])
	}
	return failure(http.StatusMethodNotAllowed, fhirmodel.IssueTypeNotSupported,
		"%s is not supported for %s", req.method, strings.Join(seg, "/"))
}

// isResourceType accepts any name that looks like a FHIR resource type.
func isResourceType(name string) bool {
	if name == "" || name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	for _, c := range name {
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
