package fhirmock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
)

var testSigningKey = []byte("test-signing-key") //nolint:gochecknoglobals

func TestAuthRequiresBearerToken(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, s *Server) {
		ctx := context.Background()
		_, err := c.Metadata(ctx)
		require.NoError(t, err, "metadata is public")

		_, err = c.Search(ctx, "Patient", nil)
		var oe *fhirclient.OperationOutcomeError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, http.StatusUnauthorized, oe.StatusCode)
		assert.NotEmpty(t, oe.Response.Header.Get("WWW-Authenticate"))

		_, err = c.Search(ctx, "Patient", nil, fhirclient.WithHeader("Authorization", "Bearer not-a-valid-token"))
		assert.Equal(t, http.StatusUnauthorized, fhirclient.StatusCode(err))

		expired, err := s.IssueToken("client", -time.Minute)
		require.NoError(t, err)
		_, err = c.Search(ctx, "Patient", nil, fhirclient.WithHeader("Authorization", "Bearer "+expired))
		assert.Equal(t, http.StatusUnauthorized, fhirclient.StatusCode(err))

		token, err := s.IssueToken("client", time.Minute)
		require.NoError(t, err)
		resp, err := c.Search(ctx, "Patient", nil, fhirclient.WithHeader("Authorization", "Bearer "+token))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}, WithAuth(testSigningKey, "client", "secret"))
}

func TestTokenEndpoint(t *testing.T) {
	s, err := New(WithAuth(testSigningKey, "client", "secret"))
	require.NoError(t, err)
	server := httptest.NewServer(s)
	defer server.Close()

	resp, err := http.PostForm(server.URL+"/token", url.Values{
		"grant_type": {"client_credentials"}, "client_id": {"client"}, "client_secret": {"secret"},
	})
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, 3600, body.ExpiresIn)

	bad, err := http.PostForm(server.URL+"/token", url.Values{
		"grant_type": {"client_credentials"}, "client_id": {"client"}, "client_secret": {"wrong"},
	})
	require.NoError(t, err)
	_ = bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestMetadataAdvertisesSMARTWhenAuthEnabled(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		resp, err := c.Metadata(context.Background())
		require.NoError(t, err)
		assert.Contains(t, string(resp.Body), "SMART-on-FHIR")
	}, WithAuth(testSigningKey, "client", "secret"))
}
