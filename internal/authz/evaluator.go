package authz

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// NormalizeRole strips the identity provider's "ROLE_" prefix. Idempotent:
// already-bare names pass through unchanged, so mixed inputs compare equal.
func NormalizeRole(role string) string {
	return strings.TrimPrefix(role, "ROLE_")
}

// NormalizeRoles normalizes a whole set, dropping empties.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if n := NormalizeRole(r); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Policy is a route's authorization requirement.
type Policy interface {
	Allowed(p *domain.Principal) bool
	String() string
}

// AnyRoleOf grants when the principal holds at least one of the roles.
type AnyRoleOf struct {
	Roles []string
}

// NewAnyRoleOf builds the policy with roles normalized once, at build time.
func NewAnyRoleOf(roles []string) AnyRoleOf {
	return AnyRoleOf{Roles: NormalizeRoles(roles)}
}

func (a AnyRoleOf) Allowed(p *domain.Principal) bool {
	return p.HasAnyRole(a.Roles)
}

func (a AnyRoleOf) String() string {
	return "anyRoleOf(" + strings.Join(a.Roles, ",") + ")"
}

// RequirePermission grants when the principal holds the permission code.
type RequirePermission struct {
	Code string
}

func (r RequirePermission) Allowed(p *domain.Principal) bool {
	return p.HasPermission(r.Code)
}

func (r RequirePermission) String() string {
	return "permission(" + r.Code + ")"
}

// Evaluator applies policies and logs the outcome: grants at debug, denies
// at warn. The denied role list itself only appears at debug.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an evaluator logging through logger.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate reports whether the principal satisfies the policy. A nil policy
// means the route carries no requirement beyond authentication.
func (e *Evaluator) Evaluate(p *domain.Principal, pol Policy) bool {
	if pol == nil {
		return true
	}
	if pol.Allowed(p) {
		e.logger.Debug("authorization granted",
			slog.String("user_id", p.UserID),
			slog.String("policy", pol.String()))
		return true
	}
	e.logger.Warn("authorization denied",
		slog.String("user_id", p.UserID),
		slog.String("policy", pol.String()))
	e.logger.Debug("denied principal roles",
		slog.String("user_id", p.UserID),
		slog.Any("roles", p.Roles))
	return false
}

// RolePolicyHolder is a hot-swappable AnyRoleOf policy. The dashboard's
// allowed-role list lives here and is replaced wholesale on config reload;
// decisions already in flight keep the policy value they loaded.
type RolePolicyHolder struct {
	current atomic.Pointer[AnyRoleOf]
}

// NewRolePolicyHolder creates a holder with the initial allowed roles.
func NewRolePolicyHolder(roles []string) *RolePolicyHolder {
	h := &RolePolicyHolder{}
	h.Update(roles)
	return h
}

// Update replaces the allowed-role list.
func (h *RolePolicyHolder) Update(roles []string) {
	pol := NewAnyRoleOf(roles)
	h.current.Store(&pol)
}

// Load returns the current policy.
func (h *RolePolicyHolder) Load() Policy {
	return *h.current.Load()
}
