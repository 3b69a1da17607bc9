package fhirmock

import (
	"time"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

type storedVersion struct {
	resource    fhirmodel.Resource // nil for a delete
	lastUpdated time.Time
	method      string
}

type resourceHistory struct {
	resourceType string
	id           string
	versions     []storedVersion // version n is versions[n-1]
}

func (h *resourceHistory) latest() storedVersion { return h.versions[len(h.versions)-1] }

func (h *resourceHistory) deleted() bool { return h.latest().resource == nil }

// store is an in-memory versioned resource store. It is not synchronized; the Server's lock guards
// it. Stored resources are never modified in place, so a snapshot can share them.
type store struct {
	types map[string]*typeStore
	now   func() time.Time
}

type typeStore struct {
	byID  map[string]*resourceHistory
	order []string // insertion order, for stable search results
}

func newStore(now func() time.Time) *store {
	return &store{types: make(map[string]*typeStore), now: now}
}

func (s *store) typeStore(resourceType string) *typeStore {
	ts, ok := s.types[resourceType]
	if !ok {
		ts = &typeStore{byID: make(map[string]*resourceHistory)}
		s.types[resourceType] = ts
	}
	return ts
}

func (s *store) history(resourceType, id string) *resourceHistory {
	if ts, ok := s.types[resourceType]; ok {
		return ts.byID[id]
	}
	return nil
}

// current returns the latest version of a resource. found is true if the resource has ever existed;
// the returned resource is nil if it has been deleted.
func (s *store) current(resourceType, id string) (r fhirmodel.Resource, found bool) {
	h := s.history(resourceType, id)
	if h == nil {
		return nil, false
	}
	return h.latest().resource, true
}

// put stores a new version and returns it with meta.versionId and meta.lastUpdated set.
func (s *store) put(r fhirmodel.Resource, method string) fhirmodel.Resource {
	ts := s.typeStore(r.ResourceType())
	h, ok := ts.byID[r.ID()]
	if !ok {
		h = &resourceHistory{resourceType: r.ResourceType(), id: r.ID()}
		ts.byID[r.ID()] = h
		ts.order = append(ts.order, r.ID())
	}
	now := s.now().UTC()
	m := r.Meta()
	m.VersionID = itoa(len(h.versions) + 1)
	m.LastUpdated = now.Format(time.RFC3339Nano)
	stored := r.WithMeta(m)
	h.versions = append(h.versions, storedVersion{resource: stored, lastUpdated: now, method: method})
	return stored
}

// remove records a delete. It returns false if there was nothing to delete.
func (s *store) remove(resourceType, id string) bool {
	h := s.history(resourceType, id)
	if h == nil || h.deleted() {
		return false
	}
	h.versions = append(h.versions, storedVersion{lastUpdated: s.now().UTC(), method: "DELETE"})
	return true
}

// list returns the current version of every live resource of a type, in insertion order.
func (s *store) list(resourceType string) []fhirmodel.Resource {
	ts, ok := s.types[resourceType]
	if !ok {
		return nil
	}
	ret := make([]fhirmodel.Resource, 0, len(ts.order))
	for _, id := range ts.order {
		if r := ts.byID[id].latest().resource; r != nil {
			ret = append(ret, r)
		}
	}
	return ret
}

func (s *store) resourceTypes() []string {
	ret := make([]string, 0, len(s.types))
	for t := range s.types {
		ret = append(ret, t)
	}
	return ret
}

// snapshot copies the index structures; a transaction restores it on failure.
func (s *store) snapshot() map[string]*typeStore {
	ret := make(map[string]*typeStore, len(s.types))
	for t, ts := range s.types {
		c := &typeStore{byID: make(map[string]*resourceHistory, len(ts.byID)), order: append([]string(nil), ts.order...)}
		for id, h := range ts.byID {
			hc := *h
			hc.versions = append([]storedVersion(nil), h.versions...)
			c.byID[id] = &hc
		}
		ret[t] = c
	}
	return ret
}

func (s *store) restore(snapshot map[string]*typeStore) {
	s.types = snapshot
}
