package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadBillingConfigDefaults(t *testing.T) {
	cfg := LoadBillingConfig()

	assert.Equal(t, 16, cfg.MaxPlayerCount)
	assert.Equal(t, 1*time.Minute, cfg.ReserveWindow)
	assert.Equal(t, 2*time.Hour, cfg.SessionTimeout)
	assert.Equal(t, 1*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 5*time.Second, cfg.TransactionTimeout)
	assert.Equal(t, 300, cfg.RateLimitPerMinute)
}

func TestLoadBillingConfigOverrides(t *testing.T) {
	t.Setenv("BILLING_MAX_PLAYER_COUNT", "8")
	t.Setenv("BILLING_RESERVE_WINDOW", "2m")
	t.Setenv("BILLING_SESSION_TIMEOUT", "30m")

	cfg := LoadBillingConfig()

	assert.Equal(t, 8, cfg.MaxPlayerCount)
	assert.Equal(t, 2*time.Minute, cfg.ReserveWindow)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
}

func TestLoadBillingConfigIgnoresGarbage(t *testing.T) {
	t.Setenv("BILLING_MAX_PLAYER_COUNT", "lots")
	t.Setenv("BILLING_SWEEP_INTERVAL", "soon")

	cfg := LoadBillingConfig()

	assert.Equal(t, 16, cfg.MaxPlayerCount)
	assert.Equal(t, 1*time.Minute, cfg.SweepInterval)
}
