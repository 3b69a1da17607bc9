package fixtures

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/fhir-harness/fhir-test-harness/auth"
	"github.com/fhir-harness/fhir-test-harness/config"
	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework"
)

// Principal names the identity a client authenticates as.
type Principal string

const (
	PrincipalAnonymous Principal = "anonymous"

	// PrincipalDefault is the configured client-credentials principal.
	PrincipalDefault Principal = "default"

	// PrincipalInvalidToken sends a bearer token that no server will accept.
	PrincipalInvalidToken Principal = "invalid-token"

	// PrincipalStorage fetches bulk output files from hosts other than the FHIR server. It sends no
	// bearer token and no session token.
	PrincipalStorage Principal = "storage"
)

const invalidToken = "not-a-valid-token"

// TestFhirServer is one server under test, with a lazily built client per principal.
type TestFhirServer struct {
	key      ServerKey
	baseURL  string
	metadata fhirmodel.CapabilityStatement
	settings Settings
	clients  map[Principal]*fhirclient.Client
	lock     sync.Mutex
}

func (s *TestFhirServer) Key() ServerKey { return s.key }

func (s *TestFhirServer) BaseURL() string { return s.baseURL }

func (s *TestFhirServer) Metadata() fhirmodel.CapabilityStatement { return s.metadata }

// Client returns the client for a principal, creating it on first use. The clients are shared; use
// ClientWithLogger to get one whose output goes to a test's own log.
func (s *TestFhirServer) Client(principal Principal) (*fhirclient.Client, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if c, ok := s.clients[principal]; ok {
		return c, nil
	}
	c, err := s.newClient(principal, s.settings.Logger)
	if err != nil {
		return nil, err
	}
	s.clients[principal] = c
	return c, nil
}

// ClientWithLogger builds a new, unshared client.
func (s *TestFhirServer) ClientWithLogger(principal Principal, logger framework.Logger) (*fhirclient.Client, error) {
	return s.newClient(principal, logger)
}

func (s *TestFhirServer) newClient(principal Principal, logger framework.Logger) (*fhirclient.Client, error) {
	rt, err := s.transport(principal)
	if err != nil {
		return nil, err
	}
	options := []fhirclient.Option{
		fhirclient.WithTransport(rt),
		fhirclient.WithLogger(framework.LoggerWithPrefix(logger, fmt.Sprintf("[%s] ", principal))),
	}
	if s.settings.RequestTimeout > 0 {
		options = append(options, fhirclient.WithTimeout(s.settings.RequestTimeout))
	}
	return fhirclient.New(s.baseURL, options...)
}

// transport layers, from the outside in: session consistency (Cosmos DB only), bearer token, base.
func (s *TestFhirServer) transport(principal Principal) (http.RoundTripper, error) {
	rt := s.settings.Transport
	switch principal {
	case PrincipalStorage:
		return rt, nil
	case PrincipalAnonymous:
	case PrincipalInvalidToken:
		rt = &auth.Transport{Provider: auth.StaticTokenProvider(invalidToken), Base: rt}
	case PrincipalDefault:
		if s.settings.Auth.Enabled() {
			provider, err := s.tokenProvider()
			if err != nil {
				return nil, err
			}
			rt = &auth.Transport{Provider: provider, Base: rt}
		}
	default:
		return nil, fmt.Errorf("unknown principal %q", principal)
	}
	if s.key.DataStore == config.DataStoreCosmosDB {
		rt = fhirclient.NewSessionConsistencyTransport(rt, nil, s.settings.Logger)
	}
	return rt, nil
}

func (s *TestFhirServer) tokenProvider() (auth.TokenProvider, error) {
	a := s.settings.Auth
	source := auth.ClientCredentials{
		TokenURL:     a.TokenURL,
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Resource:     a.Resource,
		Scope:        a.Scope,
	}
	return auth.NewCachingTokenProvider(source,
		auth.WithStore(s.settings.TokenStore, a.ClientID+"@"+a.TokenURL),
		auth.WithLogger(s.settings.Logger),
	)
}
