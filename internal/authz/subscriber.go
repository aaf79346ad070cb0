package authz

import (
	"context"
	"log/slog"

	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

// Subscriber listens for the identity service's invalidation events and
// clears the matching cache tiers. Best-effort: a dropped event is healed
// by the cache TTLs.
type Subscriber struct {
	client     *redis.Client
	authorizer *Authorizer
	logger     *slog.Logger
}

// NewSubscriber creates an invalidation subscriber.
func NewSubscriber(client *redis.Client, authorizer *Authorizer, logger *slog.Logger) *Subscriber {
	return &Subscriber{client: client, authorizer: authorizer, logger: logger}
}

// Run subscribes to both invalidation channels and dispatches events until
// ctx is cancelled. Message payload is the affected user id.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, redis.RolesInvalidateChannel, redis.PermsInvalidateChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info("authz invalidation subscriber started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *redis.Message) {
	userID := msg.Payload
	if userID == "" {
		return
	}
	switch msg.Channel {
	case redis.RolesInvalidateChannel:
		s.authorizer.InvalidateRoles(ctx, userID)
	case redis.PermsInvalidateChannel:
		s.authorizer.InvalidatePermissions(ctx, userID)
	}
	s.logger.Debug("authz cache invalidated",
		slog.String("channel", msg.Channel), slog.String("user_id", userID))
}
