// Package blobstore stores $import source files in an S3-compatible bucket, so that a server which
// cannot reach the harness's own listener can still fetch them. It also reads $export output that
// the server wrote to the same bucket.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fhir-harness/fhir-test-harness/config"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework"
)

// DefaultURLExpiry is how long a presigned download URL stays valid; long enough for a slow import
// job to start.
const DefaultURLExpiry = time.Hour

type Store struct {
	client *minio.Client
	bucket string
	logger framework.Logger
}

func New(cfg config.BlobConfig, logger framework.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create blob store client for %s: %w", cfg.Endpoint, err)
	}
	if logger == nil {
		logger = framework.NullLogger()
	}
	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func (s *Store) Bucket() string { return s.bucket }

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("cannot check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("cannot create bucket %q: %w", s.bucket, err)
	}
	s.logger.Printf("Created bucket %s", s.bucket)
	return nil
}

// Upload stores data under name and returns a presigned URL the server can download it from.
func (s *Store) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("cannot upload %s to bucket %q: %w", name, s.bucket, err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, name, DefaultURLExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("cannot presign %s: %w", name, err)
	}
	s.logger.Printf("Uploaded %d bytes to %s/%s", len(data), s.bucket, name)
	return u.String(), nil
}

// UploadNDJSON stores resources as an NDJSON import source.
func (s *Store) UploadNDJSON(ctx context.Context, name string, data []byte) (string, error) {
	return s.Upload(ctx, name, data, fhirmodel.ContentTypeNDJSON)
}

func (s *Store) Download(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("cannot get %s: %w", name, err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", name, err)
	}
	return data, nil
}

// ObjectNameFor returns the object name that a URL refers to, if the URL points into this store's
// bucket either path-style (http://endpoint/bucket/name) or virtual-host style
// (http://bucket.endpoint/name). Query parameters such as presigning are ignored.
func (s *Store) ObjectNameFor(rawURL string) (string, bool) {
	return objectNameFor(s.client.EndpointURL(), s.bucket, rawURL)
}

func objectNameFor(endpoint *url.URL, bucket, rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || endpoint == nil || u.Host == "" {
		return "", false
	}
	objectPath := strings.TrimPrefix(u.Path, "/")
	switch {
	case strings.EqualFold(u.Host, endpoint.Host):
		name, ok := strings.CutPrefix(objectPath, bucket+"/")
		return name, ok && name != ""
	case strings.EqualFold(u.Host, bucket+"."+endpoint.Host):
		return objectPath, objectPath != ""
	default:
		return "", false
	}
}

// RemovePrefix deletes every object under prefix, such as everything uploaded by one test run.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for err := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if err.Err != nil {
			return fmt.Errorf("cannot remove %s: %w", err.ObjectName, err.Err)
		}
	}
	return nil
}

// ObjectName builds the object name of an import source, grouped by run tag so that one run's files
// can be removed together.
func ObjectName(runTag, resourceType string) string {
	return path.Join("import", runTag, resourceType+".ndjson")
}
