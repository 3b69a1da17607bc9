package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Token is an access token and the time it stops being usable.
type Token struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

// ValidAt reports whether the token can still be used at the given time, treating it as expired skew
// before its actual expiry. A token without a known expiry is always valid.
func (t Token) ValidAt(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Before(t.Expiry.Add(-skew))
}

// TokenSource acquires a new access token.
type TokenSource interface {
	FetchToken(ctx context.Context) (Token, error)
}

// ClientCredentials acquires tokens with the OAuth2 client-credentials grant. Credentials are sent
// as form parameters, which both Azure AD and SMART backend services accept.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Resource is the audience for Azure AD style token endpoints; Scope is used otherwise. Either may
	// be empty. Scope may hold several space-separated scopes.
	Resource string
	Scope    string

	HTTPClient *http.Client
}

func (c ClientCredentials) config() *clientcredentials.Config {
	cfg := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       strings.Fields(c.Scope),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if c.Resource != "" {
		cfg.EndpointParams = url.Values{"resource": {c.Resource}}
	}
	return cfg
}

// FetchToken always asks the token endpoint for a new token. Its expiry is taken from expires_in, or
// else from the token's own exp claim if it is a JWT.
func (c ClientCredentials) FetchToken(ctx context.Context) (Token, error) {
	client := c.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultClient()
	}
	t, err := c.config().Token(context.WithValue(ctx, oauth2.HTTPClient, client))
	if err != nil {
		return Token{}, fmt.Errorf("token request to %s failed: %w", c.TokenURL, err)
	}
	token := Token{AccessToken: t.AccessToken, Expiry: t.Expiry}
	if token.Expiry.IsZero() {
		token.Expiry = ExpiryFromJWT(t.AccessToken)
	}
	return token, nil
}

// ExpiryFromJWT returns the exp claim of a JWT without verifying its signature, or the zero time if
// the token is not a JWT or has no exp claim.
func ExpiryFromJWT(accessToken string) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
