package fhirclient

import (
	"context"
	"net/http"
	"sync"

	"github.com/fhir-harness/fhir-test-harness/framework"
)

const (
	HeaderSessionToken     = "x-ms-session-token"
	HeaderConsistencyLevel = "x-ms-consistency-level"
)

// SessionStore holds the most recent session token of a SessionConsistencyTransport.
type SessionStore interface {
	SessionToken(ctx context.Context) string
	SetSessionToken(ctx context.Context, token string)
}

type memorySessionStore struct {
	token string
	lock  sync.RWMutex
}

func (m *memorySessionStore) SessionToken(context.Context) string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.token
}

func (m *memorySessionStore) SetSessionToken(_ context.Context, token string) {
	m.lock.Lock()
	m.token = token
	m.lock.Unlock()
}

// SessionConsistencyTransport threads the Cosmos DB session token through a sequence of requests, so
// that a read issued after a write observes that write. It remembers the x-ms-session-token header of
// every response and sends the latest value on each request that does not already carry one.
//
// The store is updated on a context detached from the request, so a request that is cancelled after
// its response arrived still records the token.
type SessionConsistencyTransport struct {
	base   http.RoundTripper
	store  SessionStore
	logger framework.Logger
}

// NewSessionConsistencyTransport wraps base. A nil store keeps the token in memory; a nil base uses
// http.DefaultTransport.
func NewSessionConsistencyTransport(
	base http.RoundTripper,
	store SessionStore,
	logger framework.Logger,
) *SessionConsistencyTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if store == nil {
		store = &memorySessionStore{}
	}
	if logger == nil {
		logger = framework.NullLogger()
	}
	return &SessionConsistencyTransport{base: base, store: store, logger: logger}
}

func (t *SessionConsistencyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if token := t.store.SessionToken(ctx); token != "" && req.Header.Get(HeaderSessionToken) == "" {
		req = req.Clone(ctx)
		req.Header.Set(HeaderSessionToken, token)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if token := resp.Header.Get(HeaderSessionToken); token != "" {
		t.store.SetSessionToken(context.WithoutCancel(ctx), token)
		t.logger.Printf("Session token is now %s", token)
	}
	return resp, nil
}

// SessionToken returns the latest session token, or "" if none has been received.
func (t *SessionConsistencyTransport) SessionToken() string {
	return t.store.SessionToken(context.Background())
}
