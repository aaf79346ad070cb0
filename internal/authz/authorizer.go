package authz

import (
	"context"
	"log/slog"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

var tracer = observability.Tracer("authz")

// Authorizer owns the role and permission caches and builds the principal
// the auth filter attaches to each authenticated request.
type Authorizer struct {
	roles  *SetCache
	perms  *SetCache
	logger *slog.Logger
}

// NewAuthorizer wires the two set caches over the shared store and the
// identity client.
func NewAuthorizer(rdb redis.Cmdable, identity *IdentityClient, clock domain.Clock,
	logger *slog.Logger, cfg SetCacheConfig) *Authorizer {
	return &Authorizer{
		roles: NewSetCache("roles", rdb, redis.RolesKey,
			identity.Roles, clock, logger, cfg),
		perms: NewSetCache("permissions", rdb, redis.PermsKey,
			identity.Permissions, clock, logger, cfg),
		logger: logger,
	}
}

// Principal resolves a user's grants into the principal the auth filter
// attaches to the request. A role or permission fetch failure degrades to
// the empty set: requests on routes without a policy still flow, and
// policied routes fail closed.
func (a *Authorizer) Principal(ctx context.Context, userID string) *domain.Principal {
	ctx, span := tracer.Start(ctx, "authz.principal")
	defer span.End()

	p := &domain.Principal{UserID: userID}

	roles, err := a.roles.Get(ctx, userID)
	if err != nil {
		a.logger.Warn("role resolution failed, treating as empty",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	p.Roles = NormalizeRoles(roles)

	perms, err := a.perms.Get(ctx, userID)
	if err != nil {
		a.logger.Warn("permission resolution failed, treating as empty",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	p.Permissions = perms

	return p
}

// Invalidate clears both caches for a user.
func (a *Authorizer) Invalidate(ctx context.Context, userID string) {
	a.roles.Invalidate(ctx, userID)
	a.perms.Invalidate(ctx, userID)
}

// InvalidateRoles clears only the role cache for a user.
func (a *Authorizer) InvalidateRoles(ctx context.Context, userID string) {
	a.roles.Invalidate(ctx, userID)
}

// InvalidatePermissions clears only the permission cache for a user.
func (a *Authorizer) InvalidatePermissions(ctx context.Context, userID string) {
	a.perms.Invalidate(ctx, userID)
}
