// Package fhirmock is an in-memory FHIR R4 server. It implements enough of the REST API, bundles,
// bulk data and the harness's other operations for the test suites to be run against it in unit
// tests. It is a test double, not a FHIR server.
package fhirmock

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

const timeFormat = time.RFC3339Nano

type Server struct {
	echo       *echo.Echo
	store      *store
	exports    map[string]*exportJob
	imports    map[string]*importJob
	auth       *authConfig
	jobPolls   int
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
	sessionSeq int64
	jobs       sync.WaitGroup
	lock       sync.Mutex
}

type Option helpers.ConfigOption[Server]

// WithAuth requires a bearer token, signed with HS256 and signingKey, on every request except
// /metadata, /health/check and /token. Tokens are issued by POST /token to the given client.
func WithAuth(signingKey []byte, clientID, clientSecret string) Option {
	return helpers.ConfigOptionFunc[Server](func(s *Server) error {
		s.auth = &authConfig{signingKey: signingKey, clientID: clientID, clientSecret: clientSecret}
		return nil
	})
}

// WithJobPolls sets how many status requests an $export or $import job answers with 202 before
// it reports completion.
func WithJobPolls(n int) Option {
	return helpers.ConfigOptionFunc[Server](func(s *Server) error {
		s.jobPolls = n
		return nil
	})
}

// WithHTTPClient sets the client that $import uses to fetch its input files.
func WithHTTPClient(client *http.Client) Option {
	return helpers.ConfigOptionFunc[Server](func(s *Server) error {
		s.httpClient = client
		return nil
	})
}

func WithLogger(logger zerolog.Logger) Option {
	return helpers.ConfigOptionFunc[Server](func(s *Server) error {
		s.logger = logger
		return nil
	})
}

func New(options ...Option) (*Server, error) {
	s := &Server{
		exports:    make(map[string]*exportJob),
		imports:    make(map[string]*importJob),
		jobPolls:   1,
		httpClient: cleanhttp.DefaultClient(),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	if err := helpers.ApplyOptions(s, options...); err != nil {
		return nil, err
	}
	s.store = newStore(s.now)
	s.echo = s.router()
	return s, nil
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(requestLogger(s.logger))
	e.Use(recovery(s.logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  corsAllowMethods,
		AllowHeaders:  corsAllowHeaders,
		ExposeHeaders: corsExposeHeaders,
		MaxAge:        3600,
	}))
	e.Use(s.sessionTokens)
	e.Use(s.authenticate)

	e.GET("/metadata", s.handleMetadata)
	e.GET("/health/check", s.handleHealth)
	e.POST("/token", s.handleToken)
	e.POST("/", s.handleBundle)

	e.GET("/$export", s.handleSystemExport)
	e.GET("/:type/$export", s.handlePatientExport)
	e.GET("/_operations/export/:id", s.handleExportStatus)
	e.DELETE("/_operations/export/:id", s.handleExportCancel)
	e.GET("/_operations/export/:id/:file", s.handleExportFile)

	e.POST("/$import", s.handleImport)
	e.GET("/_operations/import/:id", s.handleImportStatus)
	e.DELETE("/_operations/import/:id", s.handleImportCancel)
	e.GET("/_operations/import/:id/:file", s.handleImportErrorFile)

	e.GET("/:type/$lookup", s.handleLookup)
	e.POST("/:type/$lookup", s.handleLookup)
	e.POST("/:type/$member-match", s.handleMemberMatch)

	e.Any("/:type", s.handleREST)
	e.Any("/:type/*", s.handleREST)
	return e
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Close cancels running $import jobs and waits for them to stop.
func (s *Server) Close() {
	s.lock.Lock()
	for _, job := range s.imports {
		job.cancel()
	}
	s.lock.Unlock()
	s.jobs.Wait()
}

func baseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

func (s *Server) handleREST(c echo.Context) error {
	req, res, ok := s.newRequest(c)
	if !ok {
		return writeResult(c, res)
	}
	if len(req.segments) == 3 && req.segments[2] == "$export" {
		return s.handleGroupExport(c, req.segments[0], req.segments[1])
	}
	if req.method == http.MethodHead {
		req.method = http.MethodGet
	}
	s.lock.Lock()
	res = s.execute(req)
	s.lock.Unlock()
	if c.Request().Header.Get("Prefer") == "return=minimal" && !res.failed() {
		res.resource = nil
	}
	return writeResult(c, res)
}

// newRequest reads an HTTP request into a request. The body is a resource, a JSON Patch document,
// or form-encoded search parameters for _search.
func (s *Server) newRequest(c echo.Context) (request, result, bool) {
	r := c.Request()
	req := request{
		method:      r.Method,
		query:       url.Values{},
		contentType: r.Header.Get(echo.HeaderContentType),
		ifMatch:     r.Header.Get("If-Match"),
		ifNoneExist: r.Header.Get("If-None-Exist"),
		baseURL:     baseURL(c),
	}
	for k, v := range c.QueryParams() {
		req.query[k] = v
	}
	segments, _, _ := parseEntryURL(r.URL.Path)
	req.segments = segments

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return req, failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "cannot read body: %s", err), false
	}
	req.rawBody = body
	switch {
	case len(strings.TrimSpace(string(body))) == 0:
	case strings.HasPrefix(req.contentType, echo.MIMEApplicationForm):
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return req, failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid form body: %s", err), false
		}
		for k, v := range form {
			req.query[k] = append(req.query[k], v...)
		}
	case strings.Contains(req.contentType, "json-patch"):
	default:
		resource, err := fhirmodel.ParseResource(body)
		if err != nil {
			return req, failure(http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "%s", err), false
		}
		req.body = resource
	}
	return req, result{}, true
}

func writeResult(c echo.Context, res result) error {
	h := c.Response().Header()
	if res.status == http.StatusCreated && res.location != "" {
		h.Set(echo.HeaderLocation, res.location)
	}
	if res.etag != "" {
		h.Set("ETag", res.etag)
	}
	if t, err := time.Parse(timeFormat, res.lastModified); err == nil {
		h.Set(echo.HeaderLastModified, t.Format(http.TimeFormat))
	}
	if res.resource == nil {
		return c.NoContent(res.status)
	}
	return writeJSON(c, res.status, res.resource)
}

func writeJSON(c echo.Context, status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, fhirmodel.ContentTypeFHIRJSON, data)
}

func writeOutcome(c echo.Context, status int, code, format string, args ...interface{}) error {
	return writeJSON(c, status, fhirmodel.ErrorOutcome(code, format, args...))
}

// handleError turns echo's own errors, such as an unknown route, into OperationOutcomes.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		message = http.StatusText(status)
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}
	code := fhirmodel.IssueTypeException
	switch status {
	case http.StatusNotFound:
		code = fhirmodel.IssueTypeNotFound
	case http.StatusUnauthorized:
		code = fhirmodel.IssueTypeLogin
	case http.StatusMethodNotAllowed:
		code = fhirmodel.IssueTypeNotSupported
	}
	if err := writeOutcome(c, status, code, "%s", message); err != nil {
		s.logger.Error().Err(err).Msg("cannot write error response")
	}
}

func (s *Server) handleBundle(c echo.Context) error {
	var b fhirmodel.Bundle
	if err := json.NewDecoder(c.Request().Body).Decode(&b); err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.IssueTypeInvalid, "invalid Bundle JSON: %s", err)
	}
	s.lock.Lock()
	res := s.processBundle(baseURL(c), b)
	s.lock.Unlock()
	return writeResult(c, res)
}
