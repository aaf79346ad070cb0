package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aelexs/edge-auth-gateway/internal/authz"
	"github.com/aelexs/edge-auth-gateway/internal/config"
	"github.com/aelexs/edge-auth-gateway/internal/dispatch"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/gateway"
	"github.com/aelexs/edge-auth-gateway/internal/idp"
	"github.com/aelexs/edge-auth-gateway/internal/metrics"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
	"github.com/aelexs/edge-auth-gateway/internal/pool"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
	"github.com/aelexs/edge-auth-gateway/internal/server"
	"github.com/aelexs/edge-auth-gateway/internal/session"
)

const serviceName = "gateway"

// buildApp is the composition root: config, observability, the shared
// store, and every gateway component wired together.
func buildApp(ctx context.Context, configPath string) (server.App, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return server.App{}, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: serviceName,
		Environment: cfg.Environment,
	})

	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return server.App{}, fmt.Errorf("initialize tracer: %w", err)
	}
	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return server.App{}, fmt.Errorf("initialize metrics: %w", err)
	}
	registry := observability.NewPrometheusRegistry()

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
		PoolSize:     cfg.Redis.PoolSize,
	})
	clock := domain.RealClock{}

	sessions := session.NewStore(redisClient.RDB, clock, logger, session.Config{
		TTL:          cfg.Session.TTL,
		L1TTL:        cfg.Session.L1.TTL,
		L1MaxEntries: cfg.Session.L1.MaxEntries,
		BumpInterval: cfg.Session.LastAccessed,
		OnlineTTL:    cfg.Online.TTL,
	})

	resolver := dispatch.NewStaticResolver(cfg.Services)
	identity := authz.NewIdentityClient(resolver, cfg.Authz.IdentityService)
	authorizer := authz.NewAuthorizer(redisClient.RDB, identity, clock, logger, authz.SetCacheConfig{
		L1TTL:        cfg.Authz.L1.TTL,
		L1MaxEntries: cfg.Authz.L1.MaxEntries,
		L2TTL:        cfg.Authz.L2TTL,
	})
	evaluator := authz.NewEvaluator(logger)
	policy := authz.NewRolePolicyHolder(cfg.Dashboard.Security.AllowedRoles)
	subscriber := authz.NewSubscriber(redisClient, authorizer, logger)

	idpClient, err := idp.NewClient(idp.Config{
		AuthorizeURI: cfg.IdP.AuthorizeURI,
		TokenURI:     cfg.IdP.TokenURI,
		RevokeURI:    cfg.IdP.RevokeURI,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		RedirectURI:  cfg.IdP.RedirectURI,
		Scopes:       cfg.IdP.Scopes,
	})
	if err != nil {
		return server.App{}, fmt.Errorf("build IdP client: %w", err)
	}
	states := idp.NewStateStore(cfg.IdP.StateTTL, clock)

	filter := gateway.NewAuthFilter(sessions, idpClient, authorizer, evaluator, clock, logger)
	authHandler := gateway.NewAuthHandler(gateway.AuthConfig{
		SessionTTL:    cfg.Session.TTL,
		SecureCookies: cfg.Gateway.SecureCookies,
	}, sessions, idpClient, states, filter, clock, logger)

	dispatcher := dispatch.NewDispatcher(resolver, logger, dispatch.Config{})
	proxy := gateway.NewProxy(gateway.NewRouteTable(cfg.Routes), filter, dispatcher, logger)

	workers := pool.New(domain.WorkerPoolPerCPU * runtime.NumCPU())
	collector := metrics.NewCollector(redisClient.RDB, workers, clock, logger, registry, metrics.CollectorConfig{
		SlowThreshold: time.Duration(cfg.Metrics.SlowEndpointThresholdMs) * time.Millisecond,
	})
	sampler := metrics.NewCCUSampler(redisClient.RDB, instanceID(), registry, logger, metrics.CCUSamplerConfig{
		Interval: cfg.Metrics.CCUScheduleInterval,
		Lease:    cfg.Metrics.CCULockLease,
	})
	aggregator := metrics.NewAggregator(redisClient.RDB, workers, clock, logger)
	reporter := metrics.NewReporter(redisClient.RDB, serviceName, collector, nil, clock, logger)

	var shuttingDown atomic.Bool
	router := gateway.NewRouter(gateway.RouterConfig{
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		AuthRateLimit:  cfg.Gateway.AuthRateLimit,
	}, gateway.RouterDeps{
		Filter:          filter,
		Auth:            authHandler,
		Dashboard:       gateway.NewDashboardHandler(aggregator),
		Proxy:           proxy,
		Collector:       collector,
		Registry:        registry,
		DashboardPolicy: policy.Load,
		Healthy:         func() bool { return !shuttingDown.Load() },
	})

	// The dashboard role list and the services table follow config reloads;
	// everything else keeps its startup value.
	if err := config.Watch(ctx, configPath, logger, func(fresh *config.Config) {
		policy.Update(fresh.Dashboard.Security.AllowedRoles)
		resolver.Update(fresh.Services)
	}); err != nil {
		logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}

	return server.App{
		Name:         serviceName,
		Port:         cfg.Gateway.HTTPPort,
		Handler:      router,
		Logger:       logger,
		ShuttingDown: &shuttingDown,
		Workers: []func(context.Context) error{
			reporter.Run,
			sampler.Run,
			subscriber.Run,
		},
		Cleanup: []func(context.Context) error{
			tracerProvider.Shutdown,
			metricsProvider.Shutdown,
			func(context.Context) error { return redisClient.Close() },
			workers.Drain,
		},
	}, nil
}

// instanceID names this gateway instance in the CCU lock and logs.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}
