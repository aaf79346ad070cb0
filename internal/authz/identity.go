package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// EndpointResolver picks a base URL for a named downstream service.
// Satisfied by the dispatch resolver.
type EndpointResolver interface {
	Endpoint(service string) (string, error)
}

// IdentityClient fetches authoritative role and permission sets from the
// identity service over its internal REST surface.
type IdentityClient struct {
	resolver EndpointResolver
	service  string
	http     *http.Client
}

// NewIdentityClient creates a client for the named identity service.
func NewIdentityClient(resolver EndpointResolver, service string) *IdentityClient {
	return &IdentityClient{
		resolver: resolver,
		service:  service,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Roles fetches the user's role set.
func (c *IdentityClient) Roles(ctx context.Context, userID string) ([]string, error) {
	return c.fetch(ctx, "/internal/roles/keycloak/"+userID)
}

// Permissions fetches the user's permission set.
func (c *IdentityClient) Permissions(ctx context.Context, userID string) ([]string, error) {
	return c.fetch(ctx, "/internal/permissions/user/"+userID)
}

func (c *IdentityClient) fetch(ctx context.Context, path string) ([]string, error) {
	base, err := c.resolver.Endpoint(c.service)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", domain.ErrServiceUnavailable, c.service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: identity service: %w", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read identity response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Unknown user: no grants rather than an error.
		return []string{}, nil
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("identity service status %d", resp.StatusCode)
	}

	var out []string
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode identity response: %w", err)
	}
	return out, nil
}
