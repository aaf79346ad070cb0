// Package config provides configuration loading using koanf.
// Precedence: environment variables over YAML file over compiled defaults.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// envPrefix scopes the gateway's environment variables. Nesting is
// expressed with double underscores: GW_SESSION__L1__TTL -> session.l1.ttl.
const envPrefix = "GW_"

// Config holds all gateway configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Gateway   GatewayConfig   `koanf:"gateway"`
	Session   SessionConfig   `koanf:"session"`
	Online    OnlineConfig    `koanf:"online"`
	IdP       IdPConfig       `koanf:"idp"`
	Authz     AuthzConfig     `koanf:"authz"`
	Dashboard DashboardConfig `koanf:"dashboard"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Redis     RedisConfig     `koanf:"redis"`
	OTEL      OTELConfig      `koanf:"otel"`

	// Services maps a logical downstream name to its endpoints. Acts as the
	// static service-discovery table when no external resolver is plugged in.
	Services map[string][]string `koanf:"services"`

	// Routes is the gateway routing table, matched longest-prefix-first.
	Routes []RouteConfig `koanf:"routes"`
}

// GatewayConfig holds HTTP ingress configuration.
type GatewayConfig struct {
	HTTPPort       int      `koanf:"http_port"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	// AuthRateLimit bounds requests per client IP per minute on /auth/*.
	AuthRateLimit int `koanf:"auth_rate_limit"`
	// SecureCookies may be disabled for plain-HTTP local development only.
	SecureCookies bool `koanf:"secure_cookies"`
}

// SessionConfig holds session store configuration.
type SessionConfig struct {
	TTL          time.Duration `koanf:"ttl"`
	L1           L1Config      `koanf:"l1"`
	LastAccessed time.Duration `koanf:"last_accessed_bump"`
}

// L1Config bounds a per-instance cache.
type L1Config struct {
	TTL        time.Duration `koanf:"ttl"`
	MaxEntries int           `koanf:"max_entries"`
}

// OnlineConfig controls the presence marker feeding the CCU sampler.
type OnlineConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// IdPConfig holds the OIDC identity provider endpoints and credentials.
// ClientSecret is required outside local and never logged.
type IdPConfig struct {
	AuthorizeURI string        `koanf:"authorize_uri"`
	TokenURI     string        `koanf:"token_uri"`
	RevokeURI    string        `koanf:"revoke_uri"`
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	RedirectURI  string        `koanf:"redirect_uri"`
	Scopes       []string      `koanf:"scopes"`
	StateTTL     time.Duration `koanf:"state_ttl"`
}

// AuthzConfig holds the role/permission cache tiers and identity source.
type AuthzConfig struct {
	L1              L1Config      `koanf:"l1"`
	L2TTL           time.Duration `koanf:"l2_ttl"`
	IdentityService string        `koanf:"identity_service"`
}

// DashboardConfig guards the dashboard query surface.
type DashboardConfig struct {
	Security SecurityConfig `koanf:"security"`
}

// SecurityConfig carries the hot-reloadable role policy.
type SecurityConfig struct {
	AllowedRoles []string `koanf:"allowed_roles"`
}

// MetricsConfig holds the collector and CCU sampler knobs.
type MetricsConfig struct {
	SlowEndpointThresholdMs int           `koanf:"slow_endpoint_threshold_ms"`
	CCUScheduleInterval     time.Duration `koanf:"ccu_schedule_interval"`
	CCULockLease            time.Duration `koanf:"ccu_lock_lease"`
}

// RedisConfig holds shared-store configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"` // Required outside local
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
	PoolSize int           `koanf:"pool_size"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// RouteConfig declares one entry in the routing table. A route without roles
// or a permission is reachable by any authenticated user; Public routes skip
// authentication entirely.
type RouteConfig struct {
	Name       string   `koanf:"name"`
	Prefix     string   `koanf:"prefix"`
	Service    string   `koanf:"service"`
	Public     bool     `koanf:"public"`
	Roles      []string `koanf:"roles"`
	Permission string   `koanf:"permission"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Gateway: GatewayConfig{
			HTTPPort:      8080,
			AuthRateLimit: 60,
			SecureCookies: true,
		},
		Session: SessionConfig{
			TTL: domain.SessionTTL,
			L1: L1Config{
				TTL:        domain.SessionL1TTL,
				MaxEntries: domain.SessionL1MaxEntries,
			},
			LastAccessed: domain.LastAccessBumpInterval,
		},
		Online: OnlineConfig{
			TTL: domain.OnlineTTL,
		},
		IdP: IdPConfig{
			Scopes:   []string{"openid", "profile", "email"},
			StateTTL: domain.StateTTL,
		},
		Authz: AuthzConfig{
			L1: L1Config{
				TTL:        domain.AuthzL1TTL,
				MaxEntries: domain.AuthzL1MaxEntries,
			},
			L2TTL:           domain.AuthzL2TTL,
			IdentityService: "identity-service",
		},
		Dashboard: DashboardConfig{
			Security: SecurityConfig{
				AllowedRoles: []string{"ADMIN"},
			},
		},
		Metrics: MetricsConfig{
			SlowEndpointThresholdMs: int(domain.SlowEndpointThreshold.Milliseconds()),
			CCUScheduleInterval:     domain.CCUSampleInterval,
			CCULockLease:            domain.CCULockLease,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Optional YAML file at path (skipped when path is empty or absent)
// 3. Compiled defaults (lowest)
func Load(ctx context.Context, path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// Watch reloads the YAML file on change and invokes onChange with the fresh
// config. Reload failures keep the previous config and are logged; the
// watcher never crashes the process. Used for the hot-reloadable dashboard
// role policy.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if path == "" {
		return nil
	}

	f := file.Provider(path)
	return f.Watch(func(event interface{}, err error) {
		if err != nil {
			logger.ErrorContext(ctx, "config watch error", slog.String("error", err.Error()))
			return
		}

		cfg, loadErr := load(path)
		if loadErr != nil {
			logger.ErrorContext(ctx, "config reload failed, keeping previous",
				slog.String("error", loadErr.Error()))
			return
		}
		if validateErr := validateRequired(cfg); validateErr != nil {
			logger.ErrorContext(ctx, "reloaded config invalid, keeping previous",
				slog.String("error", validateErr.Error()))
			return
		}

		logger.InfoContext(ctx, "configuration reloaded")
		onChange(cfg)
	})
}

// validateRequired checks that required configuration is present.
// Required key failure means startup failure (non-zero exit).
func validateRequired(cfg *Config) error {
	// In local environment, most fields have sensible defaults
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.IdP.TokenURI == "" {
		return fmt.Errorf("%w: idp.token_uri", domain.ErrConfigRequired)
	}
	if cfg.IdP.ClientID == "" {
		return fmt.Errorf("%w: idp.client_id", domain.ErrConfigRequired)
	}
	if cfg.IdP.ClientSecret == "" {
		return fmt.Errorf("%w: idp.client_secret", domain.ErrConfigRequired)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
