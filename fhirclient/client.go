package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework"
	"github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

const (
	defaultTimeout   = time.Second * 30
	defaultUserAgent = "fhir-test-harness"

	HeaderIfMatch     = "If-Match"
	HeaderIfNoneExist = "If-None-Exist"
	HeaderPrefer      = "Prefer"

	PreferReturnMinimal        = "return=minimal"
	PreferReturnRepresentation = "return=representation"
	PreferRespondAsync         = "respond-async"
)

// Client sends FHIR REST requests to one server. It is safe for concurrent use.
//
// Every operation returns the *Response, including when the server answered with an error status; in
// that case the error is an *OperationOutcomeError as well. Only transport failures return a nil
// Response.
type Client struct {
	baseURL    string
	format     string
	transport  http.RoundTripper
	timeout    time.Duration
	userAgent  string
	logger     framework.Logger
	httpClient *http.Client
}

type Option helpers.ConfigOption[Client]

// WithTransport sets the RoundTripper that requests go through, such as an auth.Transport or a
// SessionConsistencyTransport. The default is a pooled transport from go-cleanhttp.
func WithTransport(rt http.RoundTripper) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		c.transport = rt
		return nil
	})
}

func WithLogger(logger framework.Logger) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		c.logger = logger
		return nil
	})
}

func WithUserAgent(userAgent string) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		c.userAgent = userAgent
		return nil
	})
}

func WithTimeout(timeout time.Duration) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		c.timeout = timeout
		return nil
	})
}

// WithFormat sets the media type for Accept and Content-Type. Only JSON formats are supported.
func WithFormat(mediaType string) Option {
	return helpers.ConfigOptionFunc[Client](func(c *Client) error {
		if !strings.Contains(mediaType, "json") {
			return fmt.Errorf("unsupported format %q", mediaType)
		}
		c.format = mediaType
		return nil
	})
}

// New creates a Client for the server at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		format:    fhirmodel.ContentTypeFHIRJSON,
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
		logger:    framework.NullLogger(),
	}
	if err := helpers.ApplyOptions(c, options...); err != nil {
		return nil, err
	}
	if c.transport == nil {
		c.transport = cleanhttp.DefaultPooledTransport()
	}
	c.httpClient = &http.Client{Transport: c.transport, Timeout: c.timeout}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Request describes a raw request for Do. Path is relative to the base URL unless it is an absolute
// URL. A non-nil Body that is not a []byte is encoded as JSON.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        interface{}
	ContentType string
}

// RequestOption modifies a request built by one of the Client's operations.
type RequestOption func(*Request)

// IfMatch sends a weak ETag for the given version, making the update conditional on it.
func IfMatch(versionID string) RequestOption {
	return WithHeader(HeaderIfMatch, fmt.Sprintf(`W/"%s"`, versionID))
}

func Prefer(value string) RequestOption {
	return WithHeader(HeaderPrefer, value)
}

// ConsistencyLevel overrides the data store consistency for one request. It is only meaningful for a
// Cosmos DB backed server.
func ConsistencyLevel(level string) RequestOption {
	return WithHeader(HeaderConsistencyLevel, level)
}

func WithHeader(name, value string) RequestOption {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Set(name, value)
	}
}

func WithQuery(name, value string) RequestOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = make(url.Values)
		}
		r.Query.Add(name, value)
	}
}

// Do sends a raw request.
func (c *Client) Do(ctx context.Context, req Request, options ...RequestOption) (*Response, error) {
	for _, o := range options {
		o(&req)
	}
	target := req.Path
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
	case target == "":
		target = c.baseURL
	default:
		target = c.baseURL + "/" + strings.TrimPrefix(target, "/")
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, ok := req.Body.([]byte)
		if !ok {
			var err error
			if data, err = json.Marshal(req.Body); err != nil {
				return nil, errors.Wrap(err, "cannot encode request body")
			}
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid request %s %s", req.Method, target)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", c.format)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		contentType := req.ContentType
		if contentType == "" {
			contentType = c.format
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	startTime := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Printf("%s %s failed: %s", req.Method, target, err)
		return nil, errors.Wrapf(err, "%s %s", req.Method, target)
	}
	defer func() { _ = httpResp.Body.Close() }()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response body of %s %s", req.Method, target)
	}
	c.logger.Printf("%s %s -> %d (%s)", req.Method, target, httpResp.StatusCode,
		time.Since(startTime).Round(time.Millisecond))

	resp := newResponse(httpResp, respBody)
	if httpResp.StatusCode >= 300 {
		return resp, newOperationOutcomeError(req.Method, target, resp)
	}
	return resp, nil
}

func (c *Client) Create(ctx context.Context, r fhirmodel.Resource, options ...RequestOption) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: r.ResourceType(), Body: r}, options...)
}

// ConditionalCreate creates the resource unless a resource matching the search query already exists.
func (c *Client) ConditionalCreate(
	ctx context.Context,
	r fhirmodel.Resource,
	query string,
	options ...RequestOption,
) (*Response, error) {
	return c.Create(ctx, r, append([]RequestOption{WithHeader(HeaderIfNoneExist, query)}, options...)...)
}

func (c *Client) Read(ctx context.Context, resourceType, id string, options ...RequestOption) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: resourceType + "/" + id}, options...)
}

func (c *Client) VRead(
	ctx context.Context,
	resourceType, id, versionID string,
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: resourceType + "/" + id + "/_history/" + versionID},
		options...)
}

// Update sends PUT to the resource's own id. Use IfMatch for a version-aware update.
func (c *Client) Update(ctx context.Context, r fhirmodel.Resource, options ...RequestOption) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: r.Reference(), Body: r}, options...)
}

// ConditionalUpdate sends PUT to the resource type with a search query instead of an id.
func (c *Client) ConditionalUpdate(
	ctx context.Context,
	r fhirmodel.Resource,
	query string,
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: r.ResourceType() + "?" + query, Body: r}, options...)
}

func (c *Client) Delete(ctx context.Context, resourceType, id string, options ...RequestOption) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: resourceType + "/" + id}, options...)
}

func (c *Client) ConditionalDelete(
	ctx context.Context,
	resourceType, query string,
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: resourceType + "?" + query}, options...)
}

// Search sends a GET search. An empty resourceType searches the whole system.
func (c *Client) Search(
	ctx context.Context,
	resourceType string,
	params url.Values,
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: resourceType, Query: params}, options...)
}

// SearchPost sends the search parameters as a form body to _search.
func (c *Client) SearchPost(
	ctx context.Context,
	resourceType string,
	params url.Values,
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        strings.TrimPrefix(resourceType+"/_search", "/"),
		Body:        []byte(params.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}, options...)
}

// NextPage follows the bundle's next link. It returns nil and no error if there is no next link.
func (c *Client) NextPage(ctx context.Context, b fhirmodel.Bundle, options ...RequestOption) (*Response, error) {
	next := b.NextLink()
	if next == "" {
		return nil, nil
	}
	return c.Do(ctx, Request{Method: http.MethodGet, Path: next}, options...)
}

// History reads the history of one resource, or of a whole type if id is empty.
func (c *Client) History(ctx context.Context, resourceType, id string, options ...RequestOption) (*Response, error) {
	path := resourceType + "/_history"
	if id != "" {
		path = resourceType + "/" + id + "/_history"
	}
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path}, options...)
}

func (c *Client) JSONPatch(
	ctx context.Context,
	resourceType, id string,
	ops []fhirmodel.PatchOperation,
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{
		Method:      http.MethodPatch,
		Path:        resourceType + "/" + id,
		Body:        ops,
		ContentType: fhirmodel.ContentTypeJSONPatch,
	}, options...)
}

// FHIRPathPatch sends a Parameters resource as a FHIRPath Patch.
func (c *Client) FHIRPathPatch(
	ctx context.Context,
	resourceType, id string,
	params fhirmodel.Parameters,
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: resourceType + "/" + id, Body: params}, options...)
}

// PostBundle sends a batch or transaction bundle to the base URL.
func (c *Client) PostBundle(ctx context.Context, b fhirmodel.Bundle, options ...RequestOption) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: "", Body: b}, options...)
}

// Operation invokes a named operation. The path includes the operation name, for instance
// "CodeSystem/$lookup" or "Patient/123/$export". A nil body with POST sends no body.
func (c *Client) Operation(
	ctx context.Context,
	method, path string,
	params url.Values,
	body interface{},
	options ...RequestOption,
) (*Response, error) {
	return c.Do(ctx, Request{Method: method, Path: path, Query: params, Body: body}, options...)
}

func (c *Client) Metadata(ctx context.Context) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: "metadata"})
}

func (c *Client) Health(ctx context.Context) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: "health/check", Header: http.Header{
		"Accept": {"application/json"},
	}})
}

// Options sends an OPTIONS request, such as a CORS preflight.
func (c *Client) Options(ctx context.Context, path string, header http.Header) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodOptions, Path: path, Header: header})
}
