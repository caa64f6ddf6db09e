package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "log", cfg.EmailBackend)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)

	p := cfg.Policy()
	assert.Equal(t, 6, p.CodeLength)
	assert.Equal(t, 10*time.Minute, p.CodeTTL)
	assert.Equal(t, 10*time.Minute, p.TokenTTL)
	assert.Equal(t, 15*time.Minute, p.LateAfter)
	assert.Zero(t, p.CodeSessionGrace)
	assert.True(t, p.ExcuseOnApproval)
	assert.EqualValues(t, 3, p.StoreRetries)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"STORE_BACKEND":        "memory",
		"CODE_LENGTH":          "8",
		"LATE_AFTER":           "0s",
		"EXCUSE_ON_APPROVAL":   "false",
		"CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example",
	}))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 8, cfg.Policy().CodeLength)
	assert.Zero(t, cfg.Policy().LateAfter)
	assert.False(t, cfg.Policy().ExcuseOnApproval)
	assert.Len(t, cfg.AllowedOrigins, 2)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown store":       {"STORE_BACKEND": "mysql"},
		"code too short":      {"CODE_LENGTH": "3"},
		"postmark no token":   {"EMAIL_BACKEND": "postmark"},
		"sendgrid no key":     {"EMAIL_BACKEND": "sendgrid"},
		"prod default secret": {"APP_ENV": "production"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := load(context.Background(), envconfig.MapLookuper(env))
			assert.Error(t, err)
		})
	}
}
