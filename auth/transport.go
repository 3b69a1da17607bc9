package auth

import (
	"net/http"
)

// Transport adds a bearer token to every request. If the server answers 401, it invalidates the token
// it sent, unless a concurrent request has already replaced it, and retries the request once with the
// provider's current token.
type Transport struct {
	Provider TokenProvider

	// Base is the underlying RoundTripper. If nil, http.DefaultTransport is used.
	Base http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, sent, err := t.send(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		// the body was consumed and cannot be replayed
		return resp, nil
	}
	_ = resp.Body.Close()
	t.Provider.InvalidateIf(req.Context(), sent)

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	resp, _, err = t.send(retry)
	return resp, err
}

// send returns the response and the token it sent.
func (t *Transport) send(req *http.Request) (*http.Response, string, error) {
	token, err := t.Provider.Token(req.Context())
	if err != nil {
		return nil, "", err
	}
	authorized := req.Clone(req.Context())
	authorized.Header.Set("Authorization", "Bearer "+token)
	resp, err := t.base().RoundTrip(authorized)
	return resp, token, err
}
