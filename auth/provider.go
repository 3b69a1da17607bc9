package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fhir-harness/fhir-test-harness/framework"
	"github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

// DefaultExpirySkew is how long before its expiry a cached token is considered stale.
const DefaultExpirySkew = 5 * time.Minute

// TokenProvider supplies bearer tokens to a Transport.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)

	// InvalidateIf drops the cached token if it is the rejected one. A token that another request has
	// already replaced is kept.
	InvalidateIf(ctx context.Context, rejected string)
}

// CachingTokenProvider returns a cached token while it is valid and acquires a new one from its
// TokenSource otherwise. Callers that arrive while a token is being acquired wait for that
// acquisition rather than starting their own. A failed acquisition is returned to the caller and
// leaves nothing in the cache.
type CachingTokenProvider struct {
	source TokenSource
	store  TokenStore
	key    string
	skew   time.Duration
	now    func() time.Time
	logger framework.Logger
	lock   sync.Mutex
}

type ProviderOption helpers.ConfigOption[CachingTokenProvider]

// WithStore sets where tokens are cached. The default is a MemoryTokenStore.
func WithStore(store TokenStore, key string) ProviderOption {
	return helpers.ConfigOptionFunc[CachingTokenProvider](func(p *CachingTokenProvider) error {
		p.store = store
		if key != "" {
			p.key = key
		}
		return nil
	})
}

func WithExpirySkew(skew time.Duration) ProviderOption {
	return helpers.ConfigOptionFunc[CachingTokenProvider](func(p *CachingTokenProvider) error {
		if skew < 0 {
			return fmt.Errorf("expiry skew cannot be negative")
		}
		p.skew = skew
		return nil
	})
}

func WithLogger(logger framework.Logger) ProviderOption {
	return helpers.ConfigOptionFunc[CachingTokenProvider](func(p *CachingTokenProvider) error {
		p.logger = logger
		return nil
	})
}

func withClock(now func() time.Time) ProviderOption {
	return helpers.ConfigOptionFunc[CachingTokenProvider](func(p *CachingTokenProvider) error {
		p.now = now
		return nil
	})
}

func NewCachingTokenProvider(source TokenSource, options ...ProviderOption) (*CachingTokenProvider, error) {
	p := &CachingTokenProvider{
		source: source,
		store:  NewMemoryTokenStore(),
		key:    "default",
		skew:   DefaultExpirySkew,
		now:    time.Now,
		logger: framework.NullLogger(),
	}
	if err := helpers.ApplyOptions(p, options...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *CachingTokenProvider) Token(ctx context.Context) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	cached, found, err := p.store.Get(ctx, p.key)
	if err != nil {
		p.logger.Printf("Token cache read for %q failed, acquiring a new token: %s", p.key, err)
	} else if found && cached.ValidAt(p.now(), p.skew) {
		return cached.AccessToken, nil
	}

	token, err := p.source.FetchToken(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot acquire token for %q: %w", p.key, err)
	}
	if token.Expiry.IsZero() {
		p.logger.Printf("Acquired token for %q with no known expiry", p.key)
	} else {
		p.logger.Printf("Acquired token for %q, expires at %s", p.key, token.Expiry.Format(time.RFC3339))
	}
	if err := p.store.Set(ctx, p.key, token); err != nil {
		p.logger.Printf("Token cache write for %q failed: %s", p.key, err)
	}
	return token.AccessToken, nil
}

// InvalidateIf drops the cached token if it is still the rejected one, so that the next call to Token
// acquires a new one. If the cache cannot be read the entry is dropped anyway.
func (p *CachingTokenProvider) InvalidateIf(ctx context.Context, rejected string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	cached, found, err := p.store.Get(ctx, p.key)
	if err == nil && (!found || cached.AccessToken != rejected) {
		return
	}
	if err := p.store.Delete(ctx, p.key); err != nil {
		p.logger.Printf("Token cache delete for %q failed: %s", p.key, err)
	}
}

// StaticTokenProvider always returns the same token. It is used to send deliberately invalid
// credentials.
type StaticTokenProvider string

func (s StaticTokenProvider) Token(context.Context) (string, error) { return string(s), nil }

func (s StaticTokenProvider) InvalidateIf(context.Context, string) {}
