package fhirmock

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/ndjson"
)

var supportedOutputFormats = map[string]bool{ //nolint:gochecknoglobals
	"":                          true,
	fhirmodel.ContentTypeNDJSON: true,
	"application/ndjson":        true,
	"ndjson":                    true,
}

// compartmentReferences are the elements through which a resource belongs to a Patient's compartment.
var compartmentReferences = []string{"subject", "patient", "beneficiary"} //nolint:gochecknoglobals

type exportFile struct {
	resourceType string
	data         []byte
	count        int
}

// exportJob takes its snapshot of the data at kick-off; polling only counts down pollsLeft.
type exportJob struct {
	id              string
	request         string
	transactionTime time.Time
	pollsLeft       int
	files           []exportFile
}

type exportScope struct {
	patientLevel bool
	patients     map[string]bool // nil means every patient
}

func (s *Server) handleSystemExport(c echo.Context) error {
	return s.kickOffExport(c, exportScope{})
}

func (s *Server) handlePatientExport(c echo.Context) error {
	if c.Param("type") != "Patient" {
		return echo.NewHTTPError(http.StatusNotFound, "type-level $export is only defined on Patient")
	}
	return s.kickOffExport(c, exportScope{patientLevel: true})
}

func (s *Server) handleGroupExport(c echo.Context, resourceType, id string) error {
	if resourceType != "Group" || c.Request().Method != http.MethodGet {
		return echo.NewHTTPError(http.StatusNotFound, "instance-level $export is only defined on Group")
	}
	s.lock.Lock()
	group, _ := s.store.current("Group", id)
	s.lock.Unlock()
	if group == nil {
		return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "Group/%s is not known", id)
	}
	scope := exportScope{patientLevel: true, patients: make(map[string]bool)}
	members, _ := group["member"].([]interface{})
	for _, m := range members {
		entity, _ := m.(map[string]interface{})["entity"].(map[string]interface{})
		if ref, _ := entity["reference"].(string); strings.HasPrefix(ref, "Patient/") {
			scope.patients[strings.TrimPrefix(ref, "Patient/")] = true
		}
	}
	return s.kickOffExport(c, scope)
}

func (s *Server) kickOffExport(c echo.Context, scope exportScope) error {
	if !strings.Contains(c.Request().Header.Get("Prefer"), fhirclient.PreferRespondAsync) {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
			"$export requires Prefer: respond-async")
	}
	if format := c.QueryParam("_outputFormat"); !supportedOutputFormats[format] {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeNotSupported,
			"unsupported _outputFormat %q", format)
	}
	var since time.Time
	if v := c.QueryParam("_since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid _since %q", v)
		}
		since = t
	}
	var types []string
	if v := c.QueryParam("_type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if !isResourceType(t) {
				return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid _type %q", t)
			}
			types = append(types, t)
		}
	}

	s.lock.Lock()
	job := &exportJob{
		id:              uuid.NewString(),
		request:         baseURL(c) + c.Request().URL.RequestURI(),
		transactionTime: s.now().UTC(),
		pollsLeft:       s.jobPolls,
	}
	if types == nil {
		types = s.store.resourceTypes()
		sort.Strings(types)
	}
	for _, t := range types {
		var buf strings.Builder
		w := ndjson.NewWriter(&buf)
		for _, r := range s.store.list(t) {
			if scope.patientLevel && !inPatientCompartment(r, scope.patients) {
				continue
			}
			if !since.IsZero() && lastUpdated(r).Before(since) {
				continue
			}
			_ = w.Write(r)
		}
		if w.Count() > 0 {
			job.files = append(job.files, exportFile{resourceType: t, data: []byte(buf.String()), count: w.Count()})
		}
	}
	s.exports[job.id] = job
	s.lock.Unlock()

	c.Response().Header().Set("Content-Location", baseURL(c)+"/_operations/export/"+job.id)
	return c.NoContent(http.StatusAccepted)
}

func lastUpdated(r fhirmodel.Resource) time.Time {
	t, _ := time.Parse(timeFormat, r.LastUpdated())
	return t
}

func inPatientCompartment(r fhirmodel.Resource, patients map[string]bool) bool {
	if r.ResourceType() == "Patient" {
		return patients == nil || patients[r.ID()]
	}
	for _, element := range compartmentReferences {
		ref := referenceOf(r, element)
		if !strings.HasPrefix(ref, "Patient/") {
			continue
		}
		if patients == nil || patients[strings.TrimPrefix(ref, "Patient/")] {
			return true
		}
	}
	return false
}

func (s *Server) handleExportStatus(c echo.Context) error {
	s.lock.Lock()
	job, ok := s.exports[c.Param("id")]
	inProgress := ok && job.pollsLeft > 0
	if inProgress {
		job.pollsLeft--
	}
	s.lock.Unlock()
	switch {
	case !ok:
		return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "no export job %q", c.Param("id"))
	case inProgress:
		c.Response().Header().Set("X-Progress", "in progress")
		c.Response().Header().Set("Retry-After", "1")
		return c.NoContent(http.StatusAccepted)
	}
	manifest := fhirmodel.ExportManifest{
		TransactionTime:     job.transactionTime.Format(timeFormat),
		Request:             job.request,
		RequiresAccessToken: s.auth != nil,
		Output:              []fhirmodel.ExportOutput{},
		Error:               []fhirmodel.ExportOutput{},
	}
	for _, f := range job.files {
		manifest.Output = append(manifest.Output, fhirmodel.ExportOutput{
			Type:  f.resourceType,
			URL:   baseURL(c) + "/_operations/export/" + job.id + "/" + f.resourceType + ".ndjson",
			Count: f.count,
		})
	}
	return c.JSON(http.StatusOK, manifest)
}

func (s *Server) handleExportCancel(c echo.Context) error {
	s.lock.Lock()
	_, ok := s.exports[c.Param("id")]
	delete(s.exports, c.Param("id"))
	s.lock.Unlock()
	if !ok {
		return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "no export job %q", c.Param("id"))
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleExportFile(c echo.Context) error {
	s.lock.Lock()
	job, ok := s.exports[c.Param("id")]
	s.lock.Unlock()
	if ok {
		for _, f := range job.files {
			if f.resourceType+".ndjson" == c.Param("file") {
				return c.Blob(http.StatusOK, fhirmodel.ContentTypeNDJSON, f.data)
			}
		}
	}
	return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "no such export file")
}
