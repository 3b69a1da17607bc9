package fhirmock

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

func checkBody(req request, resourceType string) (result, bool) {
	if req.body == nil {
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "request has no resource body"), false
	}
	if req.body.ResourceType() != resourceType {
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
			"resource type %q does not match the URL type %q", req.body.ResourceType(), resourceType), false
	}
	return result{}, true
}

func (s *Server) create(req request, resourceType string) result {
	if res, ok := checkBody(req, resourceType); !ok {
		return res
	}
	if req.ifNoneExist != "" {
		q, err := url.ParseQuery(req.ifNoneExist)
		if err != nil {
			return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid If-None-Exist: %s", err)
		}
		switch matches := s.matching(resourceType, q); len(matches) {
		case 0:
		case 1:
			return resourceResult(http.StatusOK, matches[0], req.baseURL)
		default:
			return failure(http.StatusPreconditionFailed, fhirmodel.IssueTypeMultiple,
				"If-None-Exist matched %d resources", len(matches))
		}
	}
	id := req.assignedID
	if id == "" {
		id = uuid.NewString()
	}
	stored := s.store.put(req.body.WithID(id), http.MethodPost)
	return resourceResult(http.StatusCreated, stored, req.baseURL)
}

func (s *Server) read(req request, resourceType, id string) result {
	r, found := s.store.current(resourceType, id)
	switch {
	case !found:
		return failure(http.StatusNotFound, fhirmodel.IssueTypeNotFound, "%s/%s is not known", resourceType, id)
	case r == nil:
		return failure(http.StatusGone, fhirmodel.IssueTypeDeleted, "%s/%s has been deleted", resourceType, id)
	}
	return resourceResult(http.StatusOK, r, req.baseURL)
}

func (s *Server) vread(req request, resourceType, id, versionID string) result {
	h := s.store.history(resourceType, id)
	n, err := strconv.Atoi(versionID)
	if h == nil || err != nil || n < 1 || n > len(h.versions) {
		return failure(http.StatusNotFound, fhirmodel.IssueTypeNotFound, "%s/%s/_history/%s is not known",
			resourceType, id, versionID)
	}
	r := h.versions[n-1].resource
	if r == nil {
		return failure(http.StatusGone, fhirmodel.IssueTypeDeleted, "version %s of %s/%s is a delete",
			versionID, resourceType, id)
	}
	return resourceResult(http.StatusOK, r, req.baseURL)
}

func (s *Server) update(req request, resourceType, id string) result {
	if res, ok := checkBody(req, resourceType); !ok {
		return res
	}
	if req.body.ID() != id {
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
			"resource id %q does not match the URL id %q", req.body.ID(), id)
	}
	current, _ := s.store.current(resourceType, id)
	if req.ifMatch != "" {
		if current == nil {
			return failure(http.StatusPreconditionFailed, fhirmodel.IssueTypeConflict,
				"If-Match was given but %s/%s does not exist", resourceType, id)
		}
		if parseETag(req.ifMatch) != current.VersionID() {
			return failure(http.StatusPreconditionFailed, fhirmodel.IssueTypeConflict,
				"version conflict: If-Match %s but current version is %s", req.ifMatch, current.VersionID())
		}
	}
	stored := s.store.put(req.body, http.MethodPut)
	if current == nil {
		return resourceResult(http.StatusCreated, stored, req.baseURL)
	}
	return resourceResult(http.StatusOK, stored, req.baseURL)
}

func (s *Server) conditionalUpdate(req request, resourceType string) result {
	if res, ok := checkBody(req, resourceType); !ok {
		return res
	}
	if len(req.query) == 0 {
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "conditional update needs search criteria")
	}
	matches := s.matching(resourceType, req.query)
	switch len(matches) {
	case 0:
		body := req.body
		if body.ID() == "" {
			body = body.WithID(uuid.NewString())
		}
		return resourceResult(http.StatusCreated, s.store.put(body, http.MethodPut), req.baseURL)
	case 1:
		id := matches[0].ID()
		if req.body.ID() != "" && req.body.ID() != id {
			return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
				"resource id %q does not match the id %q of the matched resource", req.body.ID(), id)
		}
		return resourceResult(http.StatusOK, s.store.put(req.body.WithID(id), http.MethodPut), req.baseURL)
	}
	return failure(http.StatusPreconditionFailed, fhirmodel.IssueTypeMultiple,
		"conditional update matched %d resources", len(matches))
}

// delete succeeds whether or not the resource exists.
func (s *Server) delete(resourceType, id string) result {
	s.store.remove(resourceType, id)
	return result{status: http.StatusNoContent}
}

func (s *Server) conditionalDelete(resourceType string, query url.Values) result {
	if len(query) == 0 {
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "conditional delete needs search criteria")
	}
	matches := s.matching(resourceType, query)
	if len(matches) > 1 {
		return failure(http.StatusPreconditionFailed, fhirmodel.IssueTypeMultiple,
			"conditional delete matched %d resources", len(matches))
	}
	for _, r := range matches {
		s.store.remove(resourceType, r.ID())
	}
	return result{status: http.StatusNoContent}
}

type historyItem struct {
	h *resourceHistory
	n int
}

func (s *Server) instanceHistory(req request, resourceType, id string) result {
	h := s.store.history(resourceType, id)
	if h == nil {
		return failure(http.StatusNotFound, fhirmodel.IssueTypeNotFound, "%s/%s is not known", resourceType, id)
	}
	items := make([]historyItem, 0, len(h.versions))
	for n := len(h.versions); n >= 1; n-- {
		items = append(items, historyItem{h, n})
	}
	return s.historyBundle(req, items)
}

func (s *Server) typeHistory(req request, resourceType string) result {
	var items []historyItem
	if ts, ok := s.store.types[resourceType]; ok {
		for _, id := range ts.order {
			h := ts.byID[id]
			for n := 1; n <= len(h.versions); n++ {
				items = append(items, historyItem{h, n})
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].h.versions[items[i].n-1].lastUpdated.After(items[j].h.versions[items[j].n-1].lastUpdated)
	})
	return s.historyBundle(req, items)
}

// historyBundle lists versions in the given order, which is newest first.
func (s *Server) historyBundle(req request, items []historyItem) result {
	total := len(items)
	b := fhirmodel.NewBundle(fhirmodel.BundleTypeHistory)
	b.Total = &total
	for _, item := range items {
		v := item.h.versions[item.n-1]
		ref := item.h.resourceType + "/" + item.h.id
		e := fhirmodel.BundleEntry{
			FullURL:  req.baseURL + "/" + ref,
			Resource: v.resource,
			Request:  &fhirmodel.BundleEntryRequest{Method: v.method, URL: ref},
			Response: &fhirmodel.BundleEntryResponse{
				Status:       historyStatus(v.method, item.n),
				Etag:         weakETag(itoa(item.n)),
				LastModified: v.lastUpdated.Format(timeFormat),
			},
		}
		if v.method == http.MethodPost {
			e.Request.URL = item.h.resourceType
		}
		b.Entry = append(b.Entry, e)
	}
	r, _ := fhirmodel.ToResource(b)
	return result{status: http.StatusOK, resource: r}
}

func historyStatus(method string, version int) string {
	switch {
	case method == http.MethodDelete:
		return "204 No Content"
	case version == 1:
		return "201 Created"
	}
	return "200 OK"
}
