package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTokenStore(t *testing.T) {
	testTokenStore(t, NewMemoryTokenStore())
}

// The Redis test runs only if a server is reachable at FHIR_HARNESS_TEST_REDIS (default
// localhost:6379).
func TestRedisTokenStore(t *testing.T) {
	addr := os.Getenv("FHIR_HARNESS_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 200 * time.Millisecond})
	defer func() { _ = client.Close() }()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis is not available at %s: %s", addr, err)
	}
	store := NewRedisTokenStore(client, "fhir-harness-test:"+uuid.NewString()+":")
	testTokenStore(t, store)

	ttl, err := client.TTL(context.Background(), store.prefix+"expiring").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func testTokenStore(t *testing.T, store TokenStore) {
	ctx := context.Background()

	_, found, err := store.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)

	tok := Token{AccessToken: "abc", Expiry: time.Now().Add(time.Hour).Truncate(time.Second)}
	require.NoError(t, store.Set(ctx, "expiring", tok))
	got, found, err := store.Get(ctx, "expiring")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tok.AccessToken, got.AccessToken)
	assert.True(t, tok.Expiry.Equal(got.Expiry))

	require.NoError(t, store.Set(ctx, "other", Token{AccessToken: "def"}))
	require.NoError(t, store.Delete(ctx, "other"))
	_, found, _ = store.Get(ctx, "other")
	assert.False(t, found)
}
