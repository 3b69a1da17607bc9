// Package auth acquires and caches OAuth2 bearer tokens for requests to the server under test.
package auth
