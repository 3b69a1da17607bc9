package discovery

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	url, err := StaticResolver("http://fhir:8080/").Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://fhir:8080", url)

	_, err = StaticResolver("").Resolve(context.Background())
	assert.Error(t, err)
}

func withFakeConsul(t *testing.T, entries interface{}, action func(r *ConsulResolver)) {
	handler, requests := httphelpers.RecordingHandler(httphelpers.HandlerWithJSONResponse(entries, nil))
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		r, err := NewConsulResolver(strings.TrimPrefix(server.URL, "http://"), "fhir-server")
		require.NoError(t, err)
		action(r)
		req := <-requests
		assert.Equal(t, "/v1/health/service/fhir-server", req.Request.URL.Path)
		assert.Equal(t, "1", req.Request.URL.Query().Get("passing"))
	})
}

func TestConsulResolverUsesServiceAddress(t *testing.T) {
	entries := []map[string]interface{}{{
		"Node": map[string]interface{}{"Address": "10.0.0.1"},
		"Service": map[string]interface{}{
			"Address": "fhir.internal",
			"Port":    8443,
			"Meta":    map[string]string{MetaScheme: "https", MetaBasePath: "/fhir/r4/"},
		},
	}}
	withFakeConsul(t, entries, func(r *ConsulResolver) {
		url, err := r.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "https://fhir.internal:8443/fhir/r4", url)
	})
}

func TestConsulResolverFallsBackToNodeAddress(t *testing.T) {
	entries := []map[string]interface{}{{
		"Node":    map[string]interface{}{"Address": "10.0.0.1"},
		"Service": map[string]interface{}{"Port": 8080},
	}}
	withFakeConsul(t, entries, func(r *ConsulResolver) {
		url, err := r.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "http://10.0.0.1:8080", url)
	})
}

func TestConsulResolverWithNoInstances(t *testing.T) {
	withFakeConsul(t, []interface{}{}, func(r *ConsulResolver) {
		_, err := r.Resolve(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no healthy instance")
	})
}
