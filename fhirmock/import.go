package fhirmock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/ndjson"
)

type importInput struct {
	resourceType string
	url          string
}

// importJob runs in its own goroutine. Fields other than id, request, inputs and cancel are guarded
// by the Server's lock.
type importJob struct {
	id              string
	request         string
	transactionTime time.Time
	inputs          []importInput
	cancel          context.CancelFunc

	done       bool
	failure    error
	pollsLeft  int
	output     []fhirmodel.ImportOutput
	errors     []fhirmodel.ImportOutput
	errorFiles map[string][]byte
}

func (s *Server) handleImport(c echo.Context) error {
	if !strings.Contains(c.Request().Header.Get("Prefer"), fhirclient.PreferRespondAsync) {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
			"$import requires Prefer: respond-async")
	}
	var params fhirmodel.Parameters
	if err := json.NewDecoder(c.Request().Body).Decode(&params); err != nil || params.ResourceType != "Parameters" {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid,
			"$import requires a Parameters body")
	}
	inputs, err := parseImportParameters(params)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "%s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &importJob{
		id:              uuid.NewString(),
		request:         baseURL(c) + c.Request().URL.RequestURI(),
		transactionTime: s.now().UTC(),
		inputs:          inputs,
		cancel:          cancel,
		pollsLeft:       s.jobPolls,
		errorFiles:      make(map[string][]byte),
	}
	base := baseURL(c)
	s.lock.Lock()
	s.imports[job.id] = job
	s.lock.Unlock()

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer cancel()
		s.runImport(ctx, job, base)
	}()

	c.Response().Header().Set("Content-Location", base+"/_operations/import/"+job.id)
	return c.NoContent(http.StatusAccepted)
}

func parseImportParameters(params fhirmodel.Parameters) ([]importInput, error) {
	if format, _ := params.Get("inputFormat"); format.StringValue() != fhirmodel.ContentTypeNDJSON {
		return nil, fmt.Errorf("inputFormat must be %s", fhirmodel.ContentTypeNDJSON)
	}
	mode, _ := params.Get("mode")
	switch mode.StringValue() {
	case fhirmodel.ImportModeInitialLoad, fhirmodel.ImportModeIncrementalLoad:
	default:
		return nil, fmt.Errorf("mode must be %s or %s", fhirmodel.ImportModeInitialLoad,
			fhirmodel.ImportModeIncrementalLoad)
	}
	var inputs []importInput
	for _, p := range params.GetAll("input") {
		t, _ := p.GetPart("type")
		u, _ := p.GetPart("url")
		if !isResourceType(t.StringValue()) || u.StringValue() == "" {
			return nil, fmt.Errorf("each input needs a resource type and a url")
		}
		inputs = append(inputs, importInput{resourceType: t.StringValue(), url: u.StringValue()})
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("at least one input is required")
	}
	return inputs, nil
}

func (s *Server) runImport(ctx context.Context, job *importJob, base string) {
	logger := s.logger.With().Str("job", job.id).Logger()
	for i, in := range job.inputs {
		loaded, errorLines, err := s.importFile(ctx, in)
		s.lock.Lock()
		if err != nil {
			job.failure = err
			job.done = true
			s.lock.Unlock()
			logger.Warn().Err(err).Str("url", in.url).Msg("import failed")
			return
		}
		job.output = append(job.output, fhirmodel.ImportOutput{Type: in.resourceType, Count: loaded, InputURL: in.url})
		if len(errorLines) > 0 {
			name := fmt.Sprintf("%d_%s.ndjson", i, in.resourceType)
			job.errorFiles[name] = ndjson.Encode(errorLines...)
			job.errors = append(job.errors, fhirmodel.ImportOutput{
				Type:     "OperationOutcome",
				Count:    len(errorLines),
				InputURL: in.url,
				URL:      base + "/_operations/import/" + job.id + "/" + name,
			})
		}
		s.lock.Unlock()
		logger.Debug().Str("url", in.url).Int("loaded", loaded).Int("errors", len(errorLines)).Msg("imported file")
	}
	s.lock.Lock()
	job.done = true
	s.lock.Unlock()
}

// importFile loads one NDJSON source. Lines that cannot be stored become OperationOutcome error
// lines; only a failure to fetch or read the source is an error.
func (s *Server) importFile(ctx context.Context, in importInput) (int, []fhirmodel.Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("cannot fetch %s: %w", in.url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return 0, nil, fmt.Errorf("fetching %s returned status %d", in.url, resp.StatusCode)
	}

	loaded := 0
	var errorLines []fhirmodel.Resource
	lineError := func(n int, format string, args ...interface{}) {
		o := fhirmodel.ErrorOutcome(fhirmodel.IssueTypeProcessing, "line %d: %s", n, fmt.Sprintf(format, args...))
		r, _ := fhirmodel.ToResource(o)
		errorLines = append(errorLines, r)
	}
	err = ndjson.Scan(resp.Body, func(line ndjson.Line) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if line.Err != nil {
			lineError(line.Number, "%s", line.Err)
			return nil
		}
		if line.ResourceType != in.resourceType {
			lineError(line.Number, "expected %s but found %s", in.resourceType, line.ResourceType)
			return nil
		}
		r, err := line.Resource()
		if err != nil {
			lineError(line.Number, "%s", err)
			return nil
		}
		if r.ID() == "" {
			r = r.WithID(uuid.NewString())
		}
		s.lock.Lock()
		s.store.put(r, http.MethodPut)
		s.lock.Unlock()
		loaded++
		return nil
	})
	return loaded, errorLines, err
}

func (s *Server) handleImportStatus(c echo.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	job, ok := s.imports[c.Param("id")]
	if !ok {
		return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "no import job %q", c.Param("id"))
	}
	if !job.done || job.pollsLeft > 0 {
		if job.pollsLeft > 0 {
			job.pollsLeft--
		}
		c.Response().Header().Set("X-Progress", "in progress")
		c.Response().Header().Set("Retry-After", "1")
		return c.NoContent(http.StatusAccepted)
	}
	if job.failure != nil {
		return writeOutcome(c, http.StatusInternalServerError, fhirmodel.IssueTypeException, "%s", job.failure)
	}
	manifest := fhirmodel.ImportManifest{
		TransactionTime: job.transactionTime.Format(timeFormat),
		Request:         job.request,
		Output:          append([]fhirmodel.ImportOutput{}, job.output...),
		Error:           append([]fhirmodel.ImportOutput{}, job.errors...),
	}
	return c.JSON(http.StatusOK, manifest)
}

func (s *Server) handleImportCancel(c echo.Context) error {
	s.lock.Lock()
	job, ok := s.imports[c.Param("id")]
	delete(s.imports, c.Param("id"))
	s.lock.Unlock()
	if !ok {
		return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "no import job %q", c.Param("id"))
	}
	job.cancel()
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleImportErrorFile(c echo.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if job, ok := s.imports[c.Param("id")]; ok {
		if data, ok := job.errorFiles[c.Param("file")]; ok {
			return c.Blob(http.StatusOK, fhirmodel.ContentTypeNDJSON, data)
		}
	}
	return writeOutcome(c, http.StatusNotFound, fhirmodel.IssueTypeNotFound, "no such import error file")
}
