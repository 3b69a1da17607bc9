package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fhir-harness/fhir-test-harness/framework"
	"github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

const endpointPathPrefix = "/endpoints/"

// receivedRequestsBufferSize bounds how many unread requests an endpoint remembers. Further requests
// are still served but not recorded.
const receivedRequestsBufferSize = 100

type mockEndpointsManager struct {
	endpoints       map[string]*MockEndpoint
	lastEndpointID  int
	externalBaseURL string
	logger          framework.Logger
	lock            sync.Mutex
}

// MockEndpoint is a URL on the harness's listener that the server under test can call, for
// instance to download the NDJSON sources of an $import job.
type MockEndpoint struct {
	owner       *mockEndpointsManager
	id          string
	description string
	basePath    string
	handler     http.Handler
	received    chan ReceivedRequest
	count       int
	last        *ReceivedRequest
	closed      context.Context
	close       context.CancelFunc
	logger      framework.Logger
	lock        sync.Mutex
}

type MockEndpointOption helpers.ConfigOption[MockEndpoint]

// MockEndpointDescription sets the name used for the endpoint in log output and failure messages.
func MockEndpointDescription(description string) MockEndpointOption {
	return helpers.ConfigOptionFunc[MockEndpoint](func(m *MockEndpoint) error {
		m.description = description
		return nil
	})
}

// ReceivedRequest describes one request that the server under test made to a mock endpoint. Path is
// relative to the endpoint's base URL.
type ReceivedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

func newMockEndpointsManager(externalBaseURL string, logger framework.Logger) *mockEndpointsManager {
	return &mockEndpointsManager{
		endpoints:       make(map[string]*MockEndpoint),
		externalBaseURL: externalBaseURL,
		logger:          logger,
	}
}

func (m *mockEndpointsManager) newMockEndpoint(
	handler http.Handler,
	logger framework.Logger,
	options ...MockEndpointOption,
) *MockEndpoint {
	if logger == nil {
		logger = m.logger
	}
	e := &MockEndpoint{
		owner:    m,
		handler:  handler,
		received: make(chan ReceivedRequest, receivedRequestsBufferSize),
		logger:   logger,
	}
	e.closed, e.close = context.WithCancel(context.Background())
	_ = helpers.ApplyOptions(e, options...)

	m.lock.Lock()
	m.lastEndpointID++
	e.id = strconv.Itoa(m.lastEndpointID)
	e.basePath = endpointPathPrefix + e.id
	m.endpoints[e.id] = e
	m.lock.Unlock()
	return e
}

// route splits a request path into the endpoint and the subpath below it.
func (m *mockEndpointsManager) route(path string) (*MockEndpoint, string) {
	rest, ok := strings.CutPrefix(path, endpointPathPrefix)
	if !ok {
		return nil, ""
	}
	id, subpath, _ := strings.Cut(rest, "/")
	m.lock.Lock()
	e := m.endpoints[id]
	m.lock.Unlock()
	return e, "/" + subpath
}

func (m *mockEndpointsManager) serveHTTP(w http.ResponseWriter, r *http.Request) {
	e, subpath := m.route(r.URL.Path)
	if e == nil {
		m.logger.Printf("Received %s request for unknown mock endpoint path %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	e.serve(w, r, subpath)
}

func (e *MockEndpoint) serve(w http.ResponseWriter, r *http.Request, subpath string) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			e.logger.Printf("Cannot read request body for %q: %s", e.description, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if len(data) > 0 {
			body = data
		}
	}

	// requests in progress are cancelled when the endpoint closes
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(e.closed, cancel)
	defer stop()

	req := r.Clone(ctx)
	req.URL.Path = subpath
	req.URL.RawPath = ""
	req.Body = io.NopCloser(bytes.NewReader(body))

	info := ReceivedRequest{
		Method: r.Method,
		Path:   subpath,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	}
	e.lock.Lock()
	e.count++
	e.last = &info
	e.lock.Unlock()
	if !helpers.NonBlockingSend(e.received, info) {
		e.logger.Printf("Too many unread requests for %q; not recording %s %s", e.description, r.Method, subpath)
	}

	e.logger.Printf("Endpoint %q received %s %s", e.description, r.Method, subpath)
	sw := &statusRecorder{ResponseWriter: w}
	e.handler.ServeHTTP(sw, req)
	if sw.status == http.StatusNotFound || sw.status == http.StatusMethodNotAllowed {
		e.logger.Printf("Endpoint %q (%s) answered %d to %s %s", e.description, e.basePath, sw.status,
			r.Method, subpath)
	}
}

// BaseURL returns the URL of the endpoint as the server under test sees it.
func (e *MockEndpoint) BaseURL() string {
	return e.owner.externalBaseURL + e.basePath
}

// AwaitRequest waits for the next request to the endpoint.
func (e *MockEndpoint) AwaitRequest(timeout time.Duration) (ReceivedRequest, error) {
	if r := helpers.TryReceive(e.received, timeout); r.IsDefined() {
		return r.Value(), nil
	}
	return ReceivedRequest{}, fmt.Errorf("timed out waiting for a request to %q (%s)", e.description, e.basePath)
}

// RequireRequest waits for the next request, and fails and stops the test if there is none in time.
func (e *MockEndpoint) RequireRequest(t helpers.TestContext, timeout time.Duration) ReceivedRequest {
	t.Helper()
	return helpers.RequireValueWithMessage(t, e.received, timeout, "timed out waiting for a request to %q (%s)",
		e.description, e.basePath)
}

// RequireNoMoreRequests fails and stops the test if another request arrives within the timeout.
func (e *MockEndpoint) RequireNoMoreRequests(t helpers.TestContext, timeout time.Duration) {
	t.Helper()
	helpers.RequireNoMoreValuesWithMessage(t, e.received, timeout,
		"did not expect another request to %q (%s), but got one", e.description, e.basePath)
}

func (e *MockEndpoint) RequestCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.count
}

// LastRequest returns the most recent request, or nil if there has been none.
func (e *MockEndpoint) LastRequest() *ReceivedRequest {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.last
}

// Close unregisters the endpoint and cancels the requests it is serving. Later requests get a 404.
// It is safe to call more than once.
func (e *MockEndpoint) Close() {
	e.owner.lock.Lock()
	_, registered := e.owner.endpoints[e.id]
	delete(e.owner.endpoints, e.id)
	e.owner.lock.Unlock()
	if registered {
		e.logger.Printf("Closing endpoint %q (%s)", e.description, e.basePath)
	}
	e.close()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
