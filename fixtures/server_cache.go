// Package fixtures lazily creates and shares the FHIR servers and clients that test suites use.
package fixtures

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/fhir-harness/fhir-test-harness/auth"
	"github.com/fhir-harness/fhir-test-harness/config"
	"github.com/fhir-harness/fhir-test-harness/discovery"
	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/framework"
)

const FormatJSON = "json"

// ServerKey identifies one server configuration. DataStore decides whether session consistency is
// wired into the clients.
type ServerKey struct {
	DataStore string
	Format    string
}

func (k ServerKey) String() string { return k.DataStore + "/" + k.Format }

func (k ServerKey) validate() error {
	switch k.DataStore {
	case config.DataStoreCosmosDB, config.DataStoreSQLServer:
	default:
		return fmt.Errorf("unknown data store %q", k.DataStore)
	}
	if k.Format != FormatJSON {
		return fmt.Errorf("format %q is not supported", k.Format)
	}
	return nil
}

// Settings are shared by every server a ServerCache creates.
type Settings struct {
	Resolver discovery.Resolver

	// Auth configures the PrincipalDefault principal. If it is not enabled, PrincipalDefault is the
	// same as PrincipalAnonymous.
	Auth config.AuthConfig

	// TokenStore caches access tokens. If nil, tokens are cached in memory.
	TokenStore auth.TokenStore

	// Transport is the innermost RoundTripper. If nil, a pooled transport from go-cleanhttp is used.
	Transport http.RoundTripper

	RequestTimeout time.Duration
	Logger         framework.Logger
}

type serverEntry struct {
	ready  chan struct{}
	server *TestFhirServer
	err    error
}

// ServerCache creates each server on first use and then returns the same instance. Concurrent
// callers asking for the same key wait for a single initialization. A failed initialization is
// cached too, so that every test using the server reports the same error without retrying.
type ServerCache struct {
	settings Settings
	servers  map[ServerKey]*serverEntry
	lock     sync.Mutex
}

func NewServerCache(settings Settings) *ServerCache {
	if settings.Logger == nil {
		settings.Logger = framework.NullLogger()
	}
	if settings.Transport == nil {
		settings.Transport = cleanhttp.DefaultPooledTransport()
	}
	if settings.TokenStore == nil {
		settings.TokenStore = auth.NewMemoryTokenStore()
	}
	return &ServerCache{settings: settings, servers: make(map[ServerKey]*serverEntry)}
}

func (c *ServerCache) Server(ctx context.Context, key ServerKey) (*TestFhirServer, error) {
	c.lock.Lock()
	entry, ok := c.servers[key]
	if !ok {
		entry = &serverEntry{ready: make(chan struct{})}
		c.servers[key] = entry
	}
	c.lock.Unlock()

	if !ok {
		entry.server, entry.err = c.newServer(ctx, key)
		close(entry.ready)
	}
	select {
	case <-entry.ready:
		return entry.server, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ServerCache) newServer(ctx context.Context, key ServerKey) (*TestFhirServer, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	baseURL, err := c.settings.Resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	s := &TestFhirServer{
		key:      key,
		baseURL:  baseURL,
		settings: c.settings,
		clients:  make(map[Principal]*fhirclient.Client),
	}
	client, err := s.Client(PrincipalDefault)
	if err != nil {
		return nil, err
	}
	resp, err := client.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read capability statement of %s: %w", baseURL, err)
	}
	if err := resp.Into(&s.metadata); err != nil {
		return nil, err
	}
	if !s.metadata.SupportsFormat(key.Format) {
		return nil, fmt.Errorf("server at %s does not support format %q", baseURL, key.Format)
	}
	c.settings.Logger.Printf("Server %s is ready at %s", key, baseURL)
	return s, nil
}
