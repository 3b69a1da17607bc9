package fhirmock

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

var errPatchTestFailed = errors.New("test operation failed")

func (s *Server) patch(req request, resourceType, id string) result {
	current, found := s.store.current(resourceType, id)
	switch {
	case !found:
		return failure(http.StatusNotFound, fhirmodel.IssueTypeNotFound, "%s/%s is not known", resourceType, id)
	case current == nil:
		return failure(http.StatusGone, fhirmodel.IssueTypeDeleted, "%s/%s has been deleted", resourceType, id)
	}
	if req.ifMatch != "" && parseETag(req.ifMatch) != current.VersionID() {
		return failure(http.StatusPreconditionFailed, fhirmodel.IssueTypeConflict,
			"version conflict: If-Match %s but current version is %s", req.ifMatch, current.VersionID())
	}

	var patched fhirmodel.Resource
	var err error
	if strings.Contains(req.contentType, "json-patch") {
		var ops []fhirmodel.PatchOperation
		if err := json.Unmarshal(req.rawBody, &ops); err != nil {
			return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid JSON Patch document: %s", err)
		}
		patched, err = applyJSONPatch(current, ops)
	} else {
		if req.body.ResourceType() != "Parameters" {
			return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
				"FHIRPath Patch body must be Parameters, not %q", req.body.ResourceType())
		}
		patched, err = applyFHIRPathPatch(current, req.body)
	}
	switch {
	case errors.Is(err, errPatchTestFailed):
		return failure(http.StatusUnprocessableEntity, fhirmodel.IssueTypeProcessing, "%s", err)
	case err != nil:
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "%s", err)
	case patched.ID() != id || patched.ResourceType() != resourceType:
		return failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "a patch cannot change id or resourceType")
	}
	return resourceResult(http.StatusOK, s.store.put(patched, http.MethodPatch), req.baseURL)
}

func applyJSONPatch(r fhirmodel.Resource, ops []fhirmodel.PatchOperation) (fhirmodel.Resource, error) {
	var doc interface{} = map[string]interface{}(r.Clone())
	for i, op := range ops {
		path, err := parsePointer(op.Path)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		switch op.Op {
		case "add", "replace", "remove":
			doc, err = setAt(doc, path, op.Value, op.Op)
		case "move", "copy":
			var from []string
			if from, err = parsePointer(op.From); err != nil {
				break
			}
			var v interface{}
			if v, err = getAt(doc, from); err != nil {
				break
			}
			if op.Op == "move" {
				if doc, err = setAt(doc, from, nil, "remove"); err != nil {
					break
				}
			}
			doc, err = setAt(doc, path, v, "add")
		case "test":
			var v interface{}
			if v, err = getAt(doc, path); err == nil && !reflect.DeepEqual(normalize(v), normalize(op.Value)) {
				err = fmt.Errorf("%w: value at %s is not the expected value", errPatchTestFailed, op.Path)
			}
		default:
			err = fmt.Errorf("unknown operation %q", op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil, errors.New("patch result is not an object")
	}
	return fhirmodel.Resource(m), nil
}

func normalize(v interface{}) interface{} {
	data, _ := json.Marshal(v)
	var out interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

// parsePointer splits a JSON Pointer. The root pointer is rejected since a resource cannot be
// replaced by a patch.
func parsePointer(p string) ([]string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("invalid path %q", p)
	}
	tokens := strings.Split(p[1:], "/")
	for i, t := range tokens {
		tokens[i] = strings.ReplaceAll(strings.ReplaceAll(t, "~1", "/"), "~0", "~")
	}
	return tokens, nil
}

func getAt(doc interface{}, path []string) (interface{}, error) {
	for _, token := range path {
		switch c := doc.(type) {
		case map[string]interface{}:
			v, ok := c[token]
			if !ok {
				return nil, fmt.Errorf("no element %q", token)
			}
			doc = v
		case []interface{}:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(c) {
				return nil, fmt.Errorf("no array index %q", token)
			}
			doc = c[i]
		default:
			return nil, fmt.Errorf("cannot index into a primitive with %q", token)
		}
	}
	return doc, nil
}

// setAt returns doc with the value at path added, replaced or removed. Containers along the path must
// already exist.
func setAt(doc interface{}, path []string, value interface{}, mode string) (interface{}, error) {
	token, last := path[0], len(path) == 1
	switch c := doc.(type) {
	case map[string]interface{}:
		existing, exists := c[token]
		if last {
			if !exists && mode != "add" {
				return nil, fmt.Errorf("no element %q", token)
			}
			if mode == "remove" {
				delete(c, token)
			} else {
				c[token] = value
			}
			return c, nil
		}
		if !exists {
			return nil, fmt.Errorf("no element %q", token)
		}
		child, err := setAt(existing, path[1:], value, mode)
		if err != nil {
			return nil, err
		}
		c[token] = child
		return c, nil
	case []interface{}:
		if last && token == "-" && mode == "add" {
			return append(c, value), nil
		}
		i, err := strconv.Atoi(token)
		if err != nil || i < 0 || i > len(c) || (i == len(c) && !(last && mode == "add")) {
			return nil, fmt.Errorf("invalid array index %q", token)
		}
		if !last {
			child, err := setAt(c[i], path[1:], value, mode)
			if err != nil {
				return nil, err
			}
			c[i] = child
			return c, nil
		}
		switch mode {
		case "add":
			out := append(append(append([]interface{}{}, c[:i]...), value), c[i:]...)
			return out, nil
		case "remove":
			return append(append([]interface{}{}, c[:i]...), c[i+1:]...), nil
		}
		c[i] = value
		return c, nil
	}
	return nil, fmt.Errorf("cannot index into a primitive with %q", token)
}

var fhirPathSegment = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)(?:\[(\d+)\])?$`)

// fhirPathToPointer converts the simple FHIRPath expressions used in patches, such as
// "Patient.name[0].family", to pointer tokens. Functions and filters are not supported.
func fhirPathToPointer(resourceType, expr string) ([]string, error) {
	parts := strings.Split(expr, ".")
	if len(parts) < 2 || parts[0] != resourceType {
		return nil, fmt.Errorf("unsupported FHIRPath expression %q", expr)
	}
	var tokens []string
	for _, p := range parts[1:] {
		m := fhirPathSegment.FindStringSubmatch(p)
		if m == nil {
			return nil, fmt.Errorf("unsupported FHIRPath expression %q", expr)
		}
		tokens = append(tokens, m[1])
		if m[2] != "" {
			tokens = append(tokens, m[2])
		}
	}
	return tokens, nil
}

func applyFHIRPathPatch(r fhirmodel.Resource, params fhirmodel.Resource) (fhirmodel.Resource, error) {
	var doc interface{} = map[string]interface{}(r.Clone())
	ops, _ := params["parameter"].([]interface{})
	for i, raw := range ops {
		op, _ := raw.(map[string]interface{})
		if op["name"] != "operation" {
			continue
		}
		parts := map[string]map[string]interface{}{}
		partList, _ := op["part"].([]interface{})
		for _, p := range partList {
			if pm, ok := p.(map[string]interface{}); ok {
				name, _ := pm["name"].(string)
				parts[name] = pm
			}
		}
		opType := partString(parts["type"])
		path, err := fhirPathToPointer(r.ResourceType(), partString(parts["path"]))
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		switch opType {
		case "replace":
			value, ok := partValue(parts["value"])
			if !ok {
				return nil, fmt.Errorf("operation %d: replace needs a value", i)
			}
			doc, err = setAt(doc, path, value, "replace")
		case "delete":
			doc, err = setAt(doc, path, nil, "remove")
		case "add":
			value, ok := partValue(parts["value"])
			name := partString(parts["name"])
			if !ok || name == "" {
				return nil, fmt.Errorf("operation %d: add needs a name and a value", i)
			}
			doc, err = addElement(doc, append(path, name), value)
		default:
			err = fmt.Errorf("unsupported FHIRPath Patch operation %q", opType)
		}
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	m, _ := doc.(map[string]interface{})
	return fhirmodel.Resource(m), nil
}

// addElement appends to a repeating element, or sets a single one.
func addElement(doc interface{}, path []string, value interface{}) (interface{}, error) {
	if existing, err := getAt(doc, path); err == nil {
		if list, ok := existing.([]interface{}); ok {
			return setAt(doc, path, append(list, value), "replace")
		}
		return nil, fmt.Errorf("element %s already has a value", strings.Join(path, "."))
	}
	return setAt(doc, path, value, "add")
}

func partString(p map[string]interface{}) string {
	if v, ok := partValue(p); ok {
		s, _ := v.(string)
		return s
	}
	return ""
}

// partValue returns the value[x] of a parameter part, whatever its type.
func partValue(p map[string]interface{}) (interface{}, bool) {
	for k, v := range p {
		if strings.HasPrefix(k, "value") {
			return v, true
		}
	}
	return nil, false
}
