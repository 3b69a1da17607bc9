// Package discovery finds the base URL of the server under test.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	consul "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	// MetaScheme and MetaBasePath are Consul service metadata keys that complete the base URL.
	MetaScheme   = "scheme"
	MetaBasePath = "fhir-base-path"
)

// Resolver returns the FHIR base URL of the server.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver is a base URL given directly in the configuration.
type StaticResolver string

func (s StaticResolver) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no server URL was configured")
	}
	return strings.TrimSuffix(string(s), "/"), nil
}

// ConsulResolver picks a healthy instance of a Consul service.
type ConsulResolver struct {
	health  *consul.Health
	service string
}

func NewConsulResolver(address, service string) (*ConsulResolver, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = address
	cfg.HttpClient = cleanhttp.DefaultPooledClient()
	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create Consul client for %s: %w", address, err)
	}
	return &ConsulResolver{health: client.Health(), service: service}, nil
}

func (r *ConsulResolver) Resolve(ctx context.Context) (string, error) {
	entries, _, err := r.health.Service(r.service, "", true, (&consul.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("Consul lookup of %q failed: %w", r.service, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no healthy instance of %q is registered in Consul", r.service)
	}
	return baseURL(entries[rand.Intn(len(entries))]), nil //nolint:gosec
}

func baseURL(entry *consul.ServiceEntry) string {
	host := entry.Service.Address
	if host == "" && entry.Node != nil {
		host = entry.Node.Address
	}
	scheme := entry.Service.Meta[MetaScheme]
	if scheme == "" {
		scheme = "http"
	}
	url := fmt.Sprintf("%s://%s", scheme, host)
	if entry.Service.Port != 0 {
		url = fmt.Sprintf("%s:%d", url, entry.Service.Port)
	}
	if path := strings.Trim(entry.Service.Meta[MetaBasePath], "/"); path != "" {
		url += "/" + path
	}
	return url
}
