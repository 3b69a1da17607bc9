package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	lifetime time.Duration
	failWith error
	delay    time.Duration
	calls    int
	lock     sync.Mutex
}

func (s *countingSource) FetchToken(context.Context) (Token, error) {
	time.Sleep(s.delay)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls++
	if s.failWith != nil {
		return Token{}, s.failWith
	}
	return Token{AccessToken: fmt.Sprintf("token%d", s.calls), Expiry: fakeNow.Add(s.lifetime)}, nil
}

func (s *countingSource) callCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.calls
}

var fakeNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestProviderCachesUntilSkewedExpiry(t *testing.T) {
	source := &countingSource{lifetime: time.Hour}
	clock := &fakeClock{now: fakeNow}
	p, err := NewCachingTokenProvider(source, withClock(clock.Now))
	require.NoError(t, err)

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token1", tok)

	clock.now = fakeNow.Add(54 * time.Minute)
	tok, _ = p.Token(context.Background())
	assert.Equal(t, "token1", tok)

	clock.now = fakeNow.Add(56 * time.Minute)
	tok, _ = p.Token(context.Background())
	assert.Equal(t, "token2", tok)
	assert.Equal(t, 2, source.callCount())
}

func TestProviderInvalidateIfKeepsReplacedToken(t *testing.T) {
	source := &countingSource{lifetime: time.Hour}
	p, err := NewCachingTokenProvider(source, withClock((&fakeClock{now: fakeNow}).Now))
	require.NoError(t, err)

	tok, _ := p.Token(context.Background())
	assert.Equal(t, "token1", tok)
	p.InvalidateIf(context.Background(), "token0")
	tok, _ = p.Token(context.Background())
	assert.Equal(t, "token1", tok)

	p.InvalidateIf(context.Background(), "token1")
	tok, _ = p.Token(context.Background())
	assert.Equal(t, "token2", tok)
	assert.Equal(t, 2, source.callCount())
}

func TestProviderDoesNotCacheFailure(t *testing.T) {
	source := &countingSource{lifetime: time.Hour, failWith: errors.New("sorry")}
	p, err := NewCachingTokenProvider(source, withClock((&fakeClock{now: fakeNow}).Now))
	require.NoError(t, err)

	_, err = p.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sorry")

	source.lock.Lock()
	source.failWith = nil
	source.lock.Unlock()
	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token2", tok)
}

func TestProviderConcurrentCallersShareAcquisition(t *testing.T) {
	source := &countingSource{lifetime: time.Hour, delay: 20 * time.Millisecond}
	p, err := NewCachingTokenProvider(source, withClock((&fakeClock{now: fakeNow}).Now))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = p.Token(context.Background())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, source.callCount())
	for _, r := range results {
		assert.Equal(t, "token1", r)
	}
}

func TestProviderSharesStoreByKey(t *testing.T) {
	store := NewMemoryTokenStore()
	clock := &fakeClock{now: fakeNow}
	source1 := &countingSource{lifetime: time.Hour}
	source2 := &countingSource{lifetime: time.Hour}
	p1, _ := NewCachingTokenProvider(source1, WithStore(store, "alice"), withClock(clock.Now))
	p2, _ := NewCachingTokenProvider(source2, WithStore(store, "alice"), withClock(clock.Now))

	tok1, _ := p1.Token(context.Background())
	tok2, _ := p2.Token(context.Background())
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, 0, source2.callCount())
}

func TestNegativeSkewIsRejected(t *testing.T) {
	_, err := NewCachingTokenProvider(&countingSource{}, WithExpirySkew(-time.Second))
	assert.Error(t, err)
}
