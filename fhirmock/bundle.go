package fhirmock

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

func (s *Server) processBundle(baseURL string, b fhirmodel.Bundle) result {
	if b.ResourceType != "Bundle" {
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "request body must be a Bundle")
	}
	switch b.Type {
	case fhirmodel.BundleTypeBatch:
		return s.batch(baseURL, b)
	case fhirmodel.BundleTypeTransaction:
		return s.transaction(baseURL, b)
	}
	return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
		"unsupported bundle type %q; expected batch or transaction", b.Type)
}

func entryRequest(baseURL string, e fhirmodel.BundleEntry) (request, error) {
	if e.Request == nil || e.Request.Method == "" || e.Request.URL == "" {
		return request{}, fmt.Errorf("entry has no request method and url")
	}
	segments, query, err := parseEntryURL(strings.TrimPrefix(e.Request.URL, baseURL))
	if err != nil {
		return request{}, fmt.Errorf("invalid entry url %q: %w", e.Request.URL, err)
	}
	return request{
		method:      strings.ToUpper(e.Request.Method),
		segments:    segments,
		query:       query,
		body:        e.Resource,
		contentType: fhirmodel.ContentTypeFHIRJSON,
		ifMatch:     e.Request.IfMatch,
		ifNoneExist: e.Request.IfNoneExist,
		baseURL:     baseURL,
	}, nil
}

func responseEntry(res result) fhirmodel.BundleEntry {
	e := fhirmodel.BundleEntry{Response: &fhirmodel.BundleEntryResponse{
		Status:       fmt.Sprintf("%d %s", res.status, http.StatusText(res.status)),
		Location:     res.location,
		Etag:         res.etag,
		LastModified: res.lastModified,
	}}
	if res.failed() {
		e.Response.Outcome = res.resource
	} else {
		e.Resource = res.resource
	}
	return e
}

// batch runs every entry independently; a failed entry does not affect the others.
func (s *Server) batch(baseURL string, b fhirmodel.Bundle) result {
	out := fhirmodel.NewBundle(fhirmodel.BundleTypeBatchResponse)
	for i, e := range b.Entry {
		req, err := entryRequest(baseURL, e)
		var res result
		if err != nil {
			res = failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "entry %d: %s", i, err)
		} else {
			res = s.execute(req)
		}
		out.Entry = append(out.Entry, responseEntry(res))
	}
	r, _ := fhirmodel.ToResource(out)
	return result{status: http.StatusOK, resource: r}
}

// transaction runs all entries or none. Entries that create resources with a urn:uuid fullUrl get
// their ids first, so that references to them anywhere in the bundle can be rewritten.
func (s *Server) transaction(baseURL string, b fhirmodel.Bundle) result {
	snapshot := s.store.snapshot()

	refs := make(map[string]string)
	assigned := make(map[int]string)
	for i, e := range b.Entry {
		if e.Request == nil || !strings.EqualFold(e.Request.Method, http.MethodPost) || e.Resource == nil {
			continue
		}
		id := uuid.NewString()
		assigned[i] = id
		if strings.HasPrefix(e.FullURL, "urn:uuid:") {
			refs[e.FullURL] = e.Resource.ResourceType() + "/" + id
		}
	}

	out := fhirmodel.NewBundle(fhirmodel.BundleTypeTransactionResponse)
	for i, e := range b.Entry {
		if e.Resource != nil && len(refs) > 0 {
			e.Resource = rewriteReferences(e.Resource.Clone(), refs).(map[string]interface{})
		}
		req, err := entryRequest(baseURL, e)
		var res result
		if err != nil {
			res = failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "%s", err)
		} else {
			req.assignedID = assigned[i]
			res = s.execute(req)
		}
		if res.failed() {
			s.store.restore(snapshot)
			var o fhirmodel.OperationOutcome
			_ = res.resource.Into(&o)
			return failure(res.status, fhirmodel.IssueTypeProcessing,
				"transaction failed at entry %d with status %d: %s", i, res.status, o)
		}
		out.Entry = append(out.Entry, responseEntry(res))
	}
	r, _ := fhirmodel.ToResource(out)
	return result{status: http.StatusOK, resource: r}
}

func rewriteReferences(v interface{}, refs map[string]string) interface{} {
	switch x := v.(type) {
	case fhirmodel.Resource:
		return rewriteReferences(map[string]interface{}(x), refs)
	case map[string]interface{}:
		for k, child := range x {
			x[k] = rewriteReferences(child, refs)
		}
	case []interface{}:
		for i, child := range x {
			x[i] = rewriteReferences(child, refs)
		}
	case string:
		if r, ok := refs[x]; ok {
			return r
		}
	}
	return v
}
