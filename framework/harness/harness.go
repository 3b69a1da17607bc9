package harness

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/fhir-harness/fhir-test-harness/framework"
)

const shutdownTimeout = time.Second * 5

// TestHarness manages the harness's view of the FHIR server under test and the harness's own HTTP
// listener.
//
// On creation it verifies that the server is alive and reads its capability statement. It can then
// create any number of mock endpoints (NewMockEndpoint) that the server can call back to, for
// instance to fetch the NDJSON files of an $import job.
//
// It contains no FHIR test logic, but only provides a general mechanism for test suites to build on.
type TestHarness struct {
	serverInfo    ServerInfo
	mockEndpoints *mockEndpointsManager
	httpServer    *http.Server
	listener      net.Listener
	logger        framework.Logger
}

// Config holds the parameters for NewTestHarness.
type Config struct {
	// ServerBaseURL is the FHIR base URL of the server under test.
	ServerBaseURL string

	// ExternalHostname is the hostname that the FHIR server should use to reach the harness.
	ExternalHostname string

	// Port is the port for the harness's listener. Zero means any free port.
	Port int

	// StatusQueryTimeout limits how long to wait for the server to come up.
	StatusQueryTimeout time.Duration

	// HTTPClient is used for the startup queries. If nil, a pooled client from go-cleanhttp is used.
	HTTPClient *http.Client

	DebugLogger   framework.Logger
	StartupOutput io.Writer
}

// NewTestHarness creates a TestHarness, verifies that the server is responding, and starts the
// listener for mock endpoints.
func NewTestHarness(config Config) (*TestHarness, error) {
	logger := config.DebugLogger
	if logger == nil {
		logger = framework.NullLogger()
	}
	output := config.StartupOutput
	if output == nil {
		output = io.Discard
	}
	client := config.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}

	serverInfo, err := queryServerInfo(client, config.ServerBaseURL, config.StatusQueryTimeout, output)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
	if err != nil {
		return nil, fmt.Errorf("cannot start harness listener on port %d: %w", config.Port, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	hostname := config.ExternalHostname
	if hostname == "" {
		hostname = "localhost"
	}

	h := &TestHarness{
		serverInfo:    serverInfo,
		mockEndpoints: newMockEndpointsManager(fmt.Sprintf("http://%s:%d", hostname, port), logger),
		listener:      listener,
		logger:        logger,
	}
	h.httpServer = &http.Server{
		Handler:           h.router(),
		ReadHeaderTimeout: 10 * time.Second, // arbitrary but non-infinite timeout to avoid Slowloris Attack
	}
	go func() {
		if err := h.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Printf("Harness listener stopped: %s", err)
		}
	}()
	_, _ = fmt.Fprintf(output, "Harness is listening for callbacks at %s\n", h.mockEndpoints.externalBaseURL)

	return h, nil
}

func (h *TestHarness) router() http.Handler {
	r := mux.NewRouter()
	// HEAD / tells whether our own listener is reachable
	r.Methods(http.MethodHead).Path("/").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.PathPrefix(endpointPathPrefix).HandlerFunc(h.mockEndpoints.serveHTTP)
	r.NotFoundHandler = http.HandlerFunc(h.mockEndpoints.serveHTTP)
	return r
}

// ServerInfo returns the information gathered from the server at startup.
func (h *TestHarness) ServerInfo() ServerInfo {
	return h.serverInfo
}

// ExternalBaseURL returns the base URL at which the server under test can reach the harness.
func (h *TestHarness) ExternalBaseURL() string {
	return h.mockEndpoints.externalBaseURL
}

// NewMockEndpoint adds a new endpoint that can receive requests.
//
// The specified handler will be called for all incoming requests to the endpoint's
// base URL or any subpath of it. For instance, if the generated base URL (as reported
// by MockEndpoint.BaseURL()) is http://localhost:8111/endpoints/3, then it can also
// receive requests to http://localhost:8111/endpoints/3/patients.ndjson.
//
// When the handler is called, the test harness rewrites the request URL first so that
// the handler sees only the subpath. It also attaches a Context to the request whose
// Done channel will be closed if Close is called on the endpoint.
func (h *TestHarness) NewMockEndpoint(
	handler http.Handler,
	logger framework.Logger,
	options ...MockEndpointOption,
) *MockEndpoint {
	if logger == nil {
		logger = h.logger
	}
	return h.mockEndpoints.newMockEndpoint(handler, logger, options...)
}

// Close stops the listener.
func (h *TestHarness) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.httpServer.Shutdown(ctx)
}
