package fixtures

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/config"
	"github.com/fhir-harness/fhir-test-harness/discovery"
	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmock"
)

var sqlJSON = ServerKey{DataStore: config.DataStoreSQLServer, Format: FormatJSON} //nolint:gochecknoglobals

type countingResolver struct {
	url   string
	err   error
	calls int32
}

func (r *countingResolver) Resolve(context.Context) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	return r.url, r.err
}

func withMock(t *testing.T, action func(url string, s *fhirmock.Server), options ...fhirmock.Option) {
	t.Helper()
	s, err := fhirmock.New(options...)
	require.NoError(t, err)
	defer s.Close()
	httphelpers.WithServer(s, func(server *httptest.Server) {
		action(server.URL, s)
	})
}

func TestServerIsCreatedOnce(t *testing.T) {
	withMock(t, func(url string, _ *fhirmock.Server) {
		resolver := &countingResolver{url: url}
		cache := NewServerCache(Settings{Resolver: resolver})

		var wg sync.WaitGroup
		servers := make([]*TestFhirServer, 5)
		for i := range servers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := cache.Server(context.Background(), sqlJSON)
				assert.NoError(t, err)
				servers[i] = s
			}(i)
		}
		wg.Wait()
		for _, s := range servers {
			assert.Same(t, servers[0], s)
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&resolver.calls))
		assert.Equal(t, url, servers[0].BaseURL())
		assert.Equal(t, "CapabilityStatement", servers[0].Metadata().ResourceType)
		assert.Equal(t, sqlJSON, servers[0].Key())
	})
}

func TestFailedServerIsCached(t *testing.T) {
	resolver := &countingResolver{err: errors.New("no server")}
	cache := NewServerCache(Settings{Resolver: resolver})
	_, err1 := cache.Server(context.Background(), sqlJSON)
	_, err2 := cache.Server(context.Background(), sqlJSON)
	assert.EqualError(t, err1, "no server")
	assert.Equal(t, err1, err2)
	assert.Equal(t, int32(1), resolver.calls)
}

func TestUnsupportedKeys(t *testing.T) {
	cache := NewServerCache(Settings{Resolver: discovery.StaticResolver("http://localhost:1")})
	_, err := cache.Server(context.Background(), ServerKey{DataStore: config.DataStoreSQLServer, Format: "xml"})
	assert.Error(t, err)
	_, err = cache.Server(context.Background(), ServerKey{DataStore: "mongodb", Format: FormatJSON})
	assert.Error(t, err)
}

func TestUnreachableServer(t *testing.T) {
	cache := NewServerCache(Settings{Resolver: discovery.StaticResolver("http://localhost:1")})
	_, err := cache.Server(context.Background(), sqlJSON)
	assert.ErrorContains(t, err, "cannot read capability statement")
}

func TestPrincipals(t *testing.T) {
	withMock(t, func(url string, _ *fhirmock.Server) {
		cache := NewServerCache(Settings{
			Resolver: discovery.StaticResolver(url),
			Auth: config.AuthConfig{
				TokenURL:     url + "/token",
				ClientID:     "harness",
				ClientSecret: "secret",
			},
		})
		server, err := cache.Server(context.Background(), sqlJSON)
		require.NoError(t, err)

		ctx := context.Background()
		c, err := server.Client(PrincipalDefault)
		require.NoError(t, err)
		_, err = c.Search(ctx, "Patient", nil)
		assert.NoError(t, err)

		again, err := server.Client(PrincipalDefault)
		require.NoError(t, err)
		assert.Same(t, c, again)

		for _, p := range []Principal{PrincipalAnonymous, PrincipalInvalidToken} {
			c, err := server.Client(p)
			require.NoError(t, err)
			_, err = c.Search(ctx, "Patient", nil)
			assert.Equal(t, http.StatusUnauthorized, fhirclient.StatusCode(err), string(p))
		}

		_, err = server.Client(Principal("somebody"))
		assert.Error(t, err)
	}, fhirmock.WithAuth([]byte("key"), "harness", "secret"))
}

func TestCosmosClientsThreadSessionToken(t *testing.T) {
	withMock(t, func(url string, _ *fhirmock.Server) {
		var tokens []string
		var lock sync.Mutex
		recorder := http.RoundTripper(roundTripFunc(func(r *http.Request) (*http.Response, error) {
			lock.Lock()
			tokens = append(tokens, r.Header.Get(fhirclient.HeaderSessionToken))
			lock.Unlock()
			return http.DefaultTransport.RoundTrip(r)
		}))
		cache := NewServerCache(Settings{Resolver: discovery.StaticResolver(url), Transport: recorder})
		server, err := cache.Server(context.Background(),
			ServerKey{DataStore: config.DataStoreCosmosDB, Format: FormatJSON})
		require.NoError(t, err)

		c, err := server.Client(PrincipalAnonymous)
		require.NoError(t, err)
		_, err = c.Metadata(context.Background())
		require.NoError(t, err)
		_, err = c.Metadata(context.Background())
		require.NoError(t, err)

		lock.Lock()
		defer lock.Unlock()
		require.Len(t, tokens, 3)
		assert.Equal(t, []string{"", "", "0:2"}, tokens)
	})
}

func TestStorageClientSendsNoCredentials(t *testing.T) {
	withMock(t, func(url string, _ *fhirmock.Server) {
		handler, requests := httphelpers.RecordingHandler(httphelpers.HandlerWithStatus(http.StatusOK))
		httphelpers.WithServer(handler, func(storage *httptest.Server) {
			cache := NewServerCache(Settings{
				Resolver: discovery.StaticResolver(url),
				Auth:     config.AuthConfig{TokenURL: url + "/token", ClientID: "harness", ClientSecret: "secret"},
			})
			server, err := cache.Server(context.Background(),
				ServerKey{DataStore: config.DataStoreCosmosDB, Format: FormatJSON})
			require.NoError(t, err)
			fileURL := storage.URL + "/export/Patient.ndjson"

			authorized, err := server.Client(PrincipalDefault)
			require.NoError(t, err)
			_, err = authorized.Do(context.Background(), fhirclient.Request{Method: http.MethodGet, Path: fileURL})
			require.NoError(t, err)
			sent := <-requests
			assert.NotEmpty(t, sent.Request.Header.Get("Authorization"))

			storageClient, err := server.Client(PrincipalStorage)
			require.NoError(t, err)
			resp, err := storageClient.Do(context.Background(), fhirclient.Request{Method: http.MethodGet, Path: fileURL})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			sent = <-requests
			assert.Equal(t, "/export/Patient.ndjson", sent.Request.URL.Path)
			assert.Empty(t, sent.Request.Header.Get("Authorization"))
			assert.Empty(t, sent.Request.Header.Get(fhirclient.HeaderSessionToken))
		})
	}, fhirmock.WithAuth([]byte("key"), "harness", "secret"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
