package fhirmock

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// Parameters that control the result set rather than filter it.
var resultParameters = map[string]bool{ //nolint:gochecknoglobals
	"_count": true, "_offset": true, "_total": true, "_sort": true, "_format": true,
	"_summary": true, "_elements": true,
}

func (s *Server) search(req request, resourceType string, query url.Values) result {
	count := defaultPageSize
	if v := query.Get("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid _count %q", v)
		}
		count = min(n, maxPageSize)
	}
	offset := 0
	if v := query.Get("_offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid _offset %q", v)
		}
		offset = n
	}

	matches := s.matching(resourceType, query)
	b := fhirmodel.NewBundle(fhirmodel.BundleTypeSearchset)
	if query.Get("_total") != "none" {
		total := len(matches)
		b.Total = &total
	}
	b.Link = []fhirmodel.BundleLink{{Relation: "self", URL: pageURL(req.baseURL, resourceType, query, offset)}}
	if offset+count < len(matches) && count > 0 {
		b.Link = append(b.Link, fhirmodel.BundleLink{
			Relation: "next",
			URL:      pageURL(req.baseURL, resourceType, query, offset+count),
		})
	}
	if offset < len(matches) {
		for _, r := range matches[offset:min(offset+count, len(matches))] {
			b.Entry = append(b.Entry, fhirmodel.BundleEntry{
				FullURL:  req.baseURL + "/" + r.Reference(),
				Resource: r,
				Search:   &fhirmodel.BundleEntrySearch{Mode: "match"},
			})
		}
	}
	r, _ := fhirmodel.ToResource(b)
	return result{status: http.StatusOK, resource: r}
}

func pageURL(baseURL, resourceType string, query url.Values, offset int) string {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Del("_offset")
	if offset > 0 {
		q.Set("_offset", strconv.Itoa(offset))
	}
	u := baseURL + "/" + resourceType
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// matching returns the live resources of a type that satisfy every filter parameter. Repeating a
// parameter means AND; commas within one value mean OR. Unknown parameters are ignored.
func (s *Server) matching(resourceType string, query url.Values) []fhirmodel.Resource {
	var ret []fhirmodel.Resource
	for _, r := range s.store.list(resourceType) {
		if matchesAll(r, query) {
			ret = append(ret, r)
		}
	}
	return ret
}

func matchesAll(r fhirmodel.Resource, query url.Values) bool {
	for name, values := range query {
		if resultParameters[name] {
			continue
		}
		match := paramMatcher(name)
		if match == nil {
			continue
		}
		for _, value := range values {
			if !anyOf(value, func(v string) bool { return match(r, v) }) {
				return false
			}
		}
	}
	return true
}

func anyOf(value string, fn func(string) bool) bool {
	for _, v := range strings.Split(value, ",") {
		if fn(v) {
			return true
		}
	}
	return false
}

func paramMatcher(name string) func(fhirmodel.Resource, string) bool {
	switch name {
	case "_id":
		return func(r fhirmodel.Resource, v string) bool { return r.ID() == v }
	case "identifier":
		return matchIdentifier
	case "_tag":
		return matchTag
	case "patient":
		return matchPatient
	case "subject", "beneficiary":
		return func(r fhirmodel.Resource, v string) bool { return matchReference(r, name, v) }
	case "family":
		return func(r fhirmodel.Resource, v string) bool {
			for _, n := range humanNames(r) {
				if strings.HasPrefix(strings.ToLower(n.Family), strings.ToLower(v)) {
					return true
				}
			}
			return false
		}
	case "birthdate":
		return func(r fhirmodel.Resource, v string) bool { return r["birthDate"] == v }
	}
	return nil
}

// splitToken parses a token search value "system|code", "|code" or "code".
func splitToken(v string) (system, code string, hasSystem bool) {
	if i := strings.Index(v, "|"); i >= 0 {
		return v[:i], v[i+1:], true
	}
	return "", v, false
}

func tokenMatches(v, system, code string) bool {
	wantSystem, wantCode, hasSystem := splitToken(v)
	if hasSystem && wantSystem != system {
		return false
	}
	return wantCode == "" || wantCode == code
}

func matchIdentifier(r fhirmodel.Resource, v string) bool {
	for _, id := range r.Identifiers() {
		if tokenMatches(v, id.System, id.Value) {
			return true
		}
	}
	return false
}

func matchTag(r fhirmodel.Resource, v string) bool {
	for _, t := range r.Meta().Tag {
		if tokenMatches(v, t.System, t.Code) {
			return true
		}
	}
	return false
}

// matchReference accepts "Patient/1" or a bare id.
func matchReference(r fhirmodel.Resource, element, v string) bool {
	ref := referenceOf(r, element)
	if ref == "" {
		return false
	}
	return ref == v || strings.HasSuffix(ref, "/"+v)
}

// matchPatient matches a Patient reference in any element that puts the resource in a Patient's
// compartment, such as an Observation's subject or a Coverage's beneficiary.
func matchPatient(r fhirmodel.Resource, v string) bool {
	for _, element := range compartmentReferences {
		ref := referenceOf(r, element)
		if !strings.HasPrefix(ref, "Patient/") && !strings.Contains(ref, "/Patient/") {
			continue
		}
		if matchReference(r, element, v) {
			return true
		}
	}
	return false
}

func referenceOf(r fhirmodel.Resource, element string) string {
	if m, ok := r[element].(map[string]interface{}); ok {
		s, _ := m["reference"].(string)
		return s
	}
	return ""
}

type humanName struct {
	Family string   `json:"family"`
	Given  []string `json:"given"`
}

func humanNames(r fhirmodel.Resource) []humanName {
	var holder struct {
		Name []humanName `json:"name"`
	}
	_ = r.Into(&holder)
	return holder.Name
}
