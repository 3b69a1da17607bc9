package fhirmock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

func withMockServer(t *testing.T, action func(c *fhirclient.Client, s *Server), options ...Option) {
	t.Helper()
	s, err := New(options...)
	require.NoError(t, err)
	server := httptest.NewServer(s)
	defer server.Close()
	defer s.Close()
	c, err := fhirclient.New(server.URL)
	require.NoError(t, err)
	action(c, s)
}

func patient(family, birthDate string) fhirmodel.Resource {
	return fhirmodel.NewResource("Patient").
		With("name", []interface{}{map[string]interface{}{"family": family}}).
		With("birthDate", birthDate)
}

func mustCreate(t *testing.T, c *fhirclient.Client, r fhirmodel.Resource) fhirmodel.Resource {
	t.Helper()
	resp, err := c.Create(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return resp.Resource
}

func TestCreateAndRead(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		resp, err := c.Create(ctx, patient("Doe", "1970-01-01"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		created := resp.Resource
		require.NotEmpty(t, created.ID())
		assert.Equal(t, "1", created.VersionID())
		assert.NotEmpty(t, created.LastUpdated())
		assert.Equal(t, `W/"1"`, resp.ETag())
		assert.Contains(t, resp.Location(), "Patient/"+created.ID()+"/_history/1")

		resp, err = c.Read(ctx, "Patient", created.ID())
		require.NoError(t, err)
		assert.Equal(t, "Doe", resp.Resource["name"].([]interface{})[0].(map[string]interface{})["family"])
		assert.NotEmpty(t, resp.Header.Get("Last-Modified"))
	})
}

func TestReadUnknownAndDeleted(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		_, err := c.Read(ctx, "Patient", "nope")
		assert.Equal(t, http.StatusNotFound, fhirclient.StatusCode(err))

		created := mustCreate(t, c, patient("Doe", "1970-01-01"))
		resp, err := c.Delete(ctx, "Patient", created.ID())
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		_, err = c.Read(ctx, "Patient", created.ID())
		assert.Equal(t, http.StatusGone, fhirclient.StatusCode(err))

		resp, err = c.Delete(ctx, "Patient", "never-existed")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestCreateRejectsMismatchedType(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		_, err := c.Do(context.Background(), fhirclient.Request{
			Method: http.MethodPost, Path: "Observation", Body: patient("Doe", "1970-01-01"),
		})
		assert.Equal(t, http.StatusBadRequest, fhirclient.StatusCode(err))
	})
}

func TestUpdateVersioning(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		created := mustCreate(t, c, patient("Doe", "1970-01-01"))

		resp, err := c.Update(ctx, created.With("active", true), fhirclient.IfMatch("1"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Resource.VersionID())

		_, err = c.Update(ctx, created.With("active", false), fhirclient.IfMatch("1"))
		assert.Equal(t, http.StatusPreconditionFailed, fhirclient.StatusCode(err))

		resp, err = c.VRead(ctx, "Patient", created.ID(), "1")
		require.NoError(t, err)
		assert.Nil(t, resp.Resource["active"])

		resp, err = c.History(ctx, "Patient", created.ID())
		require.NoError(t, err)
		history, err := resp.Bundle()
		require.NoError(t, err)
		assert.Equal(t, fhirmodel.BundleTypeHistory, history.Type)
		require.Len(t, history.Entry, 2)
		assert.Equal(t, "2", history.Entry[0].Resource.VersionID())
		assert.Equal(t, "200 OK", history.Entry[0].Response.Status)
		assert.Equal(t, "201 Created", history.Entry[1].Response.Status)
	})
}

func TestUpdateCreatesWithClientID(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		resp, err := c.Update(context.Background(), patient("Doe", "1970-01-01").WithID("chosen-id"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "chosen-id", resp.Resource.ID())
	})
}

func TestConditionalCreate(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		r := patient("Doe", "1970-01-01").With("identifier", []interface{}{
			map[string]interface{}{"system": "urn:test", "value": "42"},
		})
		first, err := c.ConditionalCreate(ctx, r, "identifier=urn:test|42")
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, first.StatusCode)

		second, err := c.ConditionalCreate(ctx, r, "identifier=urn:test|42")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, second.StatusCode)
		assert.Equal(t, first.Resource.ID(), second.Resource.ID())

		mustCreate(t, c, r)
		_, err = c.ConditionalCreate(ctx, r, "identifier=urn:test|42")
		assert.Equal(t, http.StatusPreconditionFailed, fhirclient.StatusCode(err))
	})
}

func TestConditionalUpdateAndDelete(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		ctx := context.Background()
		r := patient("Doe", "1970-01-01").With("identifier", []interface{}{
			map[string]interface{}{"system": "urn:test", "value": "7"},
		})
		resp, err := c.ConditionalUpdate(ctx, r, "identifier=urn:test|7")
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		id := resp.Resource.ID()

		resp, err = c.ConditionalUpdate(ctx, r.With("active", true), "identifier=urn:test|7")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, id, resp.Resource.ID())
		assert.Equal(t, "2", resp.Resource.VersionID())

		resp, err = c.ConditionalDelete(ctx, "Patient", "identifier=urn:test|7")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		_, err = c.Read(ctx, "Patient", id)
		assert.Equal(t, http.StatusGone, fhirclient.StatusCode(err))
	})
}

func TestReturnMinimal(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		resp, err := c.Create(context.Background(), patient("Doe", "1970-01-01"),
			fhirclient.Prefer(fhirclient.PreferReturnMinimal))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Empty(t, resp.Body)
		assert.NotEmpty(t, resp.Location())
	})
}

func TestSessionTokenIncreases(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		first, err := c.Metadata(context.Background())
		require.NoError(t, err)
		second, err := c.Metadata(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "0:1", first.Header.Get(fhirclient.HeaderSessionToken))
		assert.Equal(t, "0:2", second.Header.Get(fhirclient.HeaderSessionToken))
	})
}

func TestCORSPreflight(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		resp, err := c.Options(context.Background(), "Patient", http.Header{
			"Origin":                         {"https://app.example.com"},
			"Access-Control-Request-Method":  {http.MethodPut},
			"Access-Control-Request-Headers": {"Content-Type, Authorization"},
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPut)
		assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))
	})
}

func TestMetadataAndHealth(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		resp, err := c.Metadata(context.Background())
		require.NoError(t, err)
		var cs fhirmodel.CapabilityStatement
		require.NoError(t, resp.Into(&cs))
		assert.Equal(t, "CapabilityStatement", cs.ResourceType)
		assert.Equal(t, FHIRVersion, cs.FHIRVersion)
		assert.True(t, cs.SupportsFormat("json"))
		_, ok := cs.Resource("Patient")
		assert.True(t, ok)

		resp, err = c.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Healthy", resp.Resource["overallStatus"])
	})
}

func TestUnknownRouteIsOperationOutcome(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		_, err := c.Do(context.Background(), fhirclient.Request{Method: http.MethodGet, Path: "notAType/1"})
		var oe *fhirclient.OperationOutcomeError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, http.StatusNotFound, oe.StatusCode)
		assert.NotNil(t, oe.Outcome)
	})
}

func TestSearchFormPost(t *testing.T) {
	withMockServer(t, func(c *fhirclient.Client, _ *Server) {
		created := mustCreate(t, c, patient("Doe", "1970-01-01"))
		resp, err := c.SearchPost(context.Background(), "Patient", url.Values{"_id": {created.ID()}})
		require.NoError(t, err)
		b, err := resp.Bundle()
		require.NoError(t, err)
		require.Len(t, b.Entry, 1)
		assert.Equal(t, created.ID(), b.Entry[0].Resource.ID())
	})
}
