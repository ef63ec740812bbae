package config

import (
	"os"
	"strconv"
	"time"
)

type BillingConfig struct {
	MaxPlayerCount      int
	ReserveWindow       time.Duration // usage covered by one reservation
	SessionTimeout      time.Duration // active sessions past this are swept
	SweepInterval       time.Duration
	IdempotencyTTL      time.Duration // replay protection window
	APIKeyCacheTTL      time.Duration
	TokenTTL            time.Duration
	TransactionTimeout  time.Duration // bound on any single billing transaction
	RateLimitPerMinute  int
}

func LoadBillingConfig() *BillingConfig {
	return &BillingConfig{
		MaxPlayerCount:     getEnvAsInt("BILLING_MAX_PLAYER_COUNT", 16),
		ReserveWindow:      getEnvAsDuration("BILLING_RESERVE_WINDOW", 1*time.Minute),
		SessionTimeout:     getEnvAsDuration("BILLING_SESSION_TIMEOUT", 2*time.Hour),
		SweepInterval:      getEnvAsDuration("BILLING_SWEEP_INTERVAL", 1*time.Minute),
		IdempotencyTTL:     getEnvAsDuration("BILLING_IDEMPOTENCY_TTL", 24*time.Hour),
		APIKeyCacheTTL:     getEnvAsDuration("BILLING_APIKEY_CACHE_TTL", 5*time.Minute),
		TokenTTL:           getEnvAsDuration("BILLING_TOKEN_TTL", 4*time.Hour),
		TransactionTimeout: getEnvAsDuration("BILLING_TX_TIMEOUT", 5*time.Second),
		RateLimitPerMinute: getEnvAsInt("BILLING_RATE_LIMIT_PER_MINUTE", 300),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
