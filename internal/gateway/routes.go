// Package gateway is the HTTP surface: the auth filter, the login/logout
// endpoints, the dashboard query endpoints and the downstream proxy.
package gateway

import (
	"sort"
	"strings"

	"github.com/aelexs/edge-auth-gateway/internal/authz"
	"github.com/aelexs/edge-auth-gateway/internal/config"
)

// Route is one resolved routing-table entry. Policy is nil when the route
// only requires authentication (or nothing at all, for public routes).
type Route struct {
	Name    string
	Prefix  string
	Service string
	Public  bool
	Policy  authz.Policy
}

// RouteTable matches request paths to routes, longest prefix first.
type RouteTable struct {
	routes []Route
}

// NewRouteTable compiles the configured routing table. Policies are built
// once here; a role list yields AnyRoleOf, a permission yields
// RequirePermission. A route declaring both uses the role policy.
func NewRouteTable(entries []config.RouteConfig) *RouteTable {
	routes := make([]Route, 0, len(entries))
	for _, e := range entries {
		r := Route{
			Name:    e.Name,
			Prefix:  strings.TrimSuffix(e.Prefix, "/"),
			Service: e.Service,
			Public:  e.Public,
		}
		switch {
		case len(e.Roles) > 0:
			r.Policy = authz.NewAnyRoleOf(e.Roles)
		case e.Permission != "":
			r.Policy = authz.RequirePermission{Code: e.Permission}
		}
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return &RouteTable{routes: routes}
}

// Match returns the route whose prefix covers path, or nil.
func (t *RouteTable) Match(path string) *Route {
	for i := range t.routes {
		r := &t.routes[i]
		if r.Prefix == "" {
			continue
		}
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r
		}
	}
	return nil
}
