package fhirclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionEchoHandler issues a new session token on every response and records the token each request
// carried.
type sessionEchoHandler struct {
	received []string
	counter  int
	lock     sync.Mutex
}

func (h *sessionEchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.lock.Lock()
	h.received = append(h.received, r.Header.Get(HeaderSessionToken))
	h.counter++
	token := "0:" + strconv.Itoa(h.counter)
	h.lock.Unlock()
	w.Header().Set(HeaderSessionToken, token)
	w.WriteHeader(http.StatusOK)
}

func TestSessionConsistencyTransportThreadsToken(t *testing.T) {
	handler := &sessionEchoHandler{}
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		transport := NewSessionConsistencyTransport(nil, nil, nil)
		c, err := New(server.URL, WithTransport(transport))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := c.Read(context.Background(), "Patient", "p1")
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"", "0:1", "0:2"}, handler.received)
		assert.Equal(t, "0:3", transport.SessionToken())
	})
}

func TestSessionConsistencyTransportKeepsExplicitToken(t *testing.T) {
	handler := &sessionEchoHandler{}
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		transport := NewSessionConsistencyTransport(nil, nil, nil)
		c, err := New(server.URL, WithTransport(transport))
		require.NoError(t, err)

		_, _ = c.Read(context.Background(), "Patient", "p1")
		_, _ = c.Read(context.Background(), "Patient", "p1", WithHeader(HeaderSessionToken, "mine"),
			ConsistencyLevel("Session"))
		assert.Equal(t, []string{"", "mine"}, handler.received)
	})
}

func TestSessionTokenSurvivesCancelledContext(t *testing.T) {
	store := &cancelCheckingStore{}
	httphelpers.WithServer(&sessionEchoHandler{}, func(server *httptest.Server) {
		transport := NewSessionConsistencyTransport(nil, store, nil)
		c, err := New(server.URL, WithTransport(transport))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, err = c.Read(ctx, "Patient", "p1")
		require.NoError(t, err)
		require.NotNil(t, store.setCtx)
		assert.Nil(t, store.setCtx.Done())
	})
}

type cancelCheckingStore struct {
	memorySessionStore
	setCtx context.Context
}

func (s *cancelCheckingStore) SetSessionToken(ctx context.Context, token string) {
	s.setCtx = ctx
	s.memorySessionStore.SetSessionToken(ctx, token)
}
