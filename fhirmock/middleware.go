package fhirmock

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhir-harness/fhir-test-harness/fhirclient"
	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
)

var corsAllowMethods = []string{ //nolint:gochecknoglobals
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
	http.MethodHead, http.MethodOptions,
}

var corsAllowHeaders = []string{ //nolint:gochecknoglobals
	"Content-Type", "Authorization", "Accept", "Prefer", "If-Match", "If-None-Match", "If-None-Exist",
	fhirclient.HeaderSessionToken, fhirclient.HeaderConsistencyLevel,
}

var corsExposeHeaders = []string{ //nolint:gochecknoglobals
	"ETag", "Last-Modified", "Location", "Content-Location", "X-Progress", fhirclient.HeaderSessionToken,
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			evt := logger.Debug()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

func recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)
					logger.Error().
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// sessionTokens issues a new session token with every response, the way a Cosmos DB backed server
// does. The token is "0:" followed by a sequence number.
func (s *Server) sessionTokens(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		n := atomic.AddInt64(&s.sessionSeq, 1)
		c.Response().Header().Set(fhirclient.HeaderSessionToken, "0:"+strconv.FormatInt(n, 10))
		return next(c)
	}
}

type authConfig struct {
	signingKey   []byte
	clientID     string
	clientSecret string
}

const tokenLifetime = time.Hour

func isPublicPath(path string) bool {
	switch path {
	case "/metadata", "/health/check", "/token":
		return true
	}
	return false
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.auth == nil || isPublicPath(c.Request().URL.Path) || c.Request().Method == http.MethodOptions {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return s.unauthorized(c, "missing bearer token")
		}
		token, err := jwt.Parse(parts[1], func(*jwt.Token) (interface{}, error) {
			return s.auth.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			return s.unauthorized(c, "invalid token")
		}
		return next(c)
	}
}

func (s *Server) unauthorized(c echo.Context, message string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="fhir"`)
	return writeOutcome(c, http.StatusUnauthorized, fhirmodel.IssueTypeLogin, "%s", message)
}

// IssueToken signs an access token as the /token endpoint would.
func (s *Server) IssueToken(subject string, lifetime time.Duration) (string, error) {
	if s.auth == nil {
		return "", fmt.Errorf("authentication is not enabled")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.auth.signingKey)
}

// handleToken implements the client-credentials grant.
func (s *Server) handleToken(c echo.Context) error {
	if s.auth == nil {
		return echo.NewHTTPError(http.StatusNotFound, "authentication is not enabled")
	}
	if c.FormValue("grant_type") != "client_credentials" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
	if c.FormValue("client_id") != s.auth.clientID || c.FormValue("client_secret") != s.auth.clientSecret {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
	}
	token, err := s.IssueToken(c.FormValue("client_id"), tokenLifetime)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(tokenLifetime.Seconds()),
	})
}
