package observability_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aelexs/edge-auth-gateway/internal/observability"
)

func TestRedactingHandler(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		shouldRedact bool
	}{
		{"access_token is redacted", "access_token", "eyJhbGciOi", true},
		{"refresh_token is redacted", "refresh_token", "rt-123", true},
		{"client_secret is redacted", "client_secret", "s3cr3t", true},
		{"authorization is redacted", "authorization", "Bearer xyz", true},
		{"cookie is redacted", "cookie", "SESSION_ID=abc", true},
		{"password is redacted", "password", "mysecret", true},
		{"private_key is redacted", "private_key", "-----BEGIN", true},
		{"session_id not redacted", "session_id", "6c84fb90-12c4", false},
		{"user_id not redacted", "user_id", "user123", false},
		{"message not redacted", "message", "hello world", false},
		{"error not redacted", "error", "something failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := observability.NewRedactingHandler(&buf, nil)
			logger := slog.New(handler)

			logger.Info("test", tt.key, tt.value)
			output := buf.String()

			if tt.shouldRedact {
				assert.Contains(t, output, "[REDACTED]", "expected %s to be redacted", tt.key)
				assert.NotContains(t, output, tt.value, "expected actual value to not appear for %s", tt.key)
			} else {
				assert.Contains(t, output, tt.value, "expected %s value to appear", tt.key)
				assert.NotContains(t, output, "[REDACTED]", "expected %s to not be redacted", tt.key)
			}
		})
	}
}

func TestInitLogger(t *testing.T) {
	t.Run("creates logger with service context", func(t *testing.T) {
		cfg := observability.LogConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "gateway",
			Environment: "test",
		}

		logger := observability.InitLogger(cfg)
		assert.NotNil(t, logger)
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		cfg := observability.LogConfig{
			Level:       "loud",
			Format:      "text",
			ServiceName: "gateway",
			Environment: "test",
		}

		logger := observability.InitLogger(cfg)
		assert.NotNil(t, logger)
	})
}
