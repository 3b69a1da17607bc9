package blobstore

import (
	"context"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhir-harness/fhir-test-harness/config"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework"
	"github.com/fhir-harness/fhir-test-harness/ndjson"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "import/run1/Patient.ndjson", ObjectName("run1", "Patient"))
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New(config.BlobConfig{Endpoint: "http://not-a-host-port/x", Bucket: "b"}, nil)
	assert.Error(t, err)
}

func TestObjectNameFor(t *testing.T) {
	s, err := New(config.BlobConfig{Endpoint: "storage.local:9000", Bucket: "exports"}, nil)
	require.NoError(t, err)

	for rawURL, expected := range map[string]string{
		"http://storage.local:9000/exports/job1/Patient.ndjson":               "job1/Patient.ndjson",
		"http://STORAGE.local:9000/exports/job1/Patient.ndjson?X-Amz-Expires=1": "job1/Patient.ndjson",
		"http://exports.storage.local:9000/job1/Observation.ndjson":            "job1/Observation.ndjson",
	} {
		name, ok := s.ObjectNameFor(rawURL)
		assert.True(t, ok, rawURL)
		assert.Equal(t, expected, name, rawURL)
	}

	for _, rawURL := range []string{
		"http://fhir.local/Binary/1",
		"http://storage.local:9000/other-bucket/Patient.ndjson",
		"http://storage.local:9000/exports/",
		"http://storage.local:9001/exports/Patient.ndjson",
		"job1/Patient.ndjson",
	} {
		_, ok := s.ObjectNameFor(rawURL)
		assert.False(t, ok, rawURL)
	}
}

// The round-trip test needs a MinIO server, such as "docker run -p 9000:9000 minio/minio server /data".
func testStore(t *testing.T) *Store {
	endpoint := os.Getenv("FHIR_HARNESS_TEST_BLOB_ENDPOINT")
	if endpoint == "" {
		t.Skip("FHIR_HARNESS_TEST_BLOB_ENDPOINT is not set")
	}
	s, err := New(config.BlobConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("FHIR_HARNESS_TEST_BLOB_ACCESS_KEY"),
		SecretKey: os.Getenv("FHIR_HARNESS_TEST_BLOB_SECRET_KEY"),
		Bucket:    "fhir-harness-test",
	}, framework.NullLogger())
	require.NoError(t, err)
	return s
}

func TestUploadDownloadAndRemove(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.EnsureBucket(ctx))
	require.NoError(t, s.EnsureBucket(ctx))

	runTag := uuid.NewString()
	data := ndjson.Encode(fhirmodel.NewResource("Patient").WithID("a"))
	name := ObjectName(runTag, "Patient")
	u, err := s.UploadNDJSON(ctx, name, data)
	require.NoError(t, err)

	resp, err := http.Get(u) //nolint:gosec,noctx
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, data, body)

	got, err := s.Download(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.RemovePrefix(ctx, "import/"+runTag))
	_, err = s.Download(ctx, name)
	assert.Error(t, err)
}
