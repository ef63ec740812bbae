package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/immersepay/backend/internal/audit"
	"github.com/immersepay/backend/internal/config"
	"github.com/immersepay/backend/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

// AuthorizeService validates a headset server's right to launch an
// application, reserves funds through the billing engine and issues the
// session token. One RESERVE ledger entry per distinct session id, no
// matter how often the client retries.
type AuthorizeService struct {
	db        *sql.DB
	redis     *redis.Client
	billing   *BillingEngine
	guard     *IdempotencyGuard
	cfg       *config.BillingConfig
	validator *ValidationHelper
	audit     *audit.Logger
}

// AuthorizeRequest is the launch-permission request from a headset server.
type AuthorizeRequest struct {
	APIKey      string `json:"api_key" validate:"required"`
	AppID       string `json:"app_id" validate:"required,max=64"`
	SessionID   string `json:"session_id" validate:"required,max=128"`
	PlayerCount int    `json:"player_count"`
}

// AuthorizeResult is the snapshot stored by the idempotency guard and
// replayed verbatim on retries.
type AuthorizeResult struct {
	Token         string `json:"token"`
	EstimatedCost int64  `json:"estimated_cost"`
	SessionID     string `json:"session_id"`
	OperatorID    string `json:"operator_id"`
}

func NewAuthorizeService(db *sql.DB, redisClient *redis.Client, billing *BillingEngine, guard *IdempotencyGuard, cfg *config.BillingConfig) *AuthorizeService {
	return &AuthorizeService{
		db:        db,
		redis:     redisClient,
		billing:   billing,
		guard:     guard,
		cfg:       cfg,
		validator: NewValidationHelper(),
		audit:     audit.NewLogger(),
	}
}

// Authorize handles POST /v1/auth/game/authorize.
func (s *AuthorizeService) Authorize(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(authLatency.WithLabelValues("authorize"))
	defer timer.ObserveDuration()

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req AuthorizeRequest
	if err := dec.Decode(&req); err != nil {
		authRequestsTotal.WithLabelValues("authorize", "bad_request").Inc()
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		authRequestsTotal.WithLabelValues("authorize", "bad_request").Inc()
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		authRequestsTotal.WithLabelValues("authorize", "bad_request").Inc()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	result, err := s.authorize(ctx, &req)
	if err != nil {
		authRequestsTotal.WithLabelValues("authorize", outcomeLabel(err)).Inc()
		SendBillingError(w, err)
		return
	}

	outcome := "success"
	if result.replayed {
		outcome = "replay"
	}
	authRequestsTotal.WithLabelValues("authorize", outcome).Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":          result.Token,
		"estimated_cost": result.EstimatedCost,
		"session_id":     result.SessionID,
	})
}

type authorizeOutcome struct {
	AuthorizeResult
	replayed bool
}

func (s *AuthorizeService) authorize(ctx context.Context, req *AuthorizeRequest) (*authorizeOutcome, error) {
	operatorID, err := s.verifyAPIKey(ctx, req.APIKey)
	if err != nil {
		log.Printf("[AUTH] Credential rejected for session %s: %v", req.SessionID, err)
		return nil, err
	}

	price, err := s.entitledPrice(ctx, operatorID, req.AppID)
	if err != nil {
		log.Printf("[AUTH] Entitlement rejected for operator %s app %s: %v", operatorID, req.AppID, err)
		return nil, err
	}

	if req.PlayerCount <= 0 || req.PlayerCount > s.cfg.MaxPlayerCount {
		return nil, ErrInvalidPlayerCount
	}

	// At-most-once: a prior successful result replays unchanged, with no
	// new reservation and no new ledger entry.
	cached, err := s.guard.CheckOrReserve(ctx, operatorID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		log.Printf("[AUTH] Replaying cached result for session %s", req.SessionID)
		return &authorizeOutcome{AuthorizeResult: *cached, replayed: true}, nil
	}

	estimate := s.billing.EstimateReservation(price, req.PlayerCount)

	token, err := generateSessionToken(req.SessionID, operatorID, s.cfg.TokenTTL)
	if err != nil {
		s.guard.Release(ctx, operatorID, req.SessionID)
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	sess := &models.GameSession{
		SessionID:      req.SessionID,
		OperatorID:     operatorID,
		AppID:          req.AppID,
		PlayerCount:    req.PlayerCount,
		ReservedAmount: estimate,
		AuthToken:      token,
		StartedAt:      time.Now(),
	}

	if _, err := s.billing.Reserve(ctx, sess); err != nil {
		s.guard.Release(ctx, operatorID, req.SessionID)
		if errors.Is(err, ErrDuplicateInFlight) {
			// The session row already exists: a prior request won the
			// race or the idempotency cache was lost. Replay its result.
			if prior, fetchErr := s.fetchPriorResult(ctx, operatorID, req.SessionID); fetchErr == nil {
				return &authorizeOutcome{AuthorizeResult: *prior, replayed: true}, nil
			}
			return nil, ErrDuplicateInFlight
		}
		s.audit.LogError(req.SessionID, operatorID, err)
		return nil, err
	}

	result := &AuthorizeResult{
		Token:         token,
		EstimatedCost: estimate,
		SessionID:     req.SessionID,
		OperatorID:    operatorID,
	}
	s.guard.Store(ctx, result)

	log.Printf("[AUTH] Session %s authorized for operator %s: %d players, %d fen reserved",
		req.SessionID, operatorID, req.PlayerCount, estimate)
	return &authorizeOutcome{AuthorizeResult: *result}, nil
}

// verifyAPIKey resolves "keyID.secret" to an operator id. The argon2id
// verification is expensive, so positive results are cached in Redis
// keyed by a digest of the full credential.
func (s *AuthorizeService) verifyAPIKey(ctx context.Context, apiKey string) (string, error) {
	keyID, secret, ok := strings.Cut(apiKey, ".")
	if !ok || keyID == "" || secret == "" {
		return "", ErrInvalidCredential
	}

	cacheKey := apiKeyCacheKey(apiKey)
	if s.redis != nil {
		if operatorID, err := s.redis.Get(ctx, cacheKey).Result(); err == nil && operatorID != "" {
			return operatorID, nil
		}
	}

	var operatorID, secretHash string
	var keyActive, opActive, opLocked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT k.operator_id, k.secret_hash, k.is_active, a.is_active, a.is_locked
		FROM operator_api_keys k
		JOIN operator_accounts a ON a.operator_id = k.operator_id
		WHERE k.key_id = $1`, keyID).Scan(&operatorID, &secretHash, &keyActive, &opActive, &opLocked)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrInvalidCredential
		}
		return "", fmt.Errorf("credential lookup failed: %w", err)
	}

	if !keyActive || !verifySecret(secret, secretHash) {
		return "", ErrInvalidCredential
	}

	if !opActive || opLocked {
		return "", ErrOperatorLocked
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, cacheKey, operatorID, s.cfg.APIKeyCacheTTL).Err(); err != nil {
			log.Printf("[AUTH] Failed to cache API key verification: %v", err)
		}
	}

	return operatorID, nil
}

func (s *AuthorizeService) entitledPrice(ctx context.Context, operatorID, appID string) (int64, error) {
	var price int64
	err := s.db.QueryRowContext(ctx, `
		SELECT price_per_player_minute
		FROM application_pricing
		WHERE operator_id = $1 AND app_id = $2 AND is_active = TRUE`,
		operatorID, appID).Scan(&price)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrAppNotEntitled
		}
		return 0, fmt.Errorf("pricing lookup failed: %w", err)
	}
	return price, nil
}

func (s *AuthorizeService) fetchPriorResult(ctx context.Context, operatorID, sessionID string) (*AuthorizeResult, error) {
	var token string
	var reserved int64
	err := s.db.QueryRowContext(ctx, `
		SELECT auth_token, reserved_amount
		FROM game_sessions
		WHERE operator_id = $1 AND session_id = $2`,
		operatorID, sessionID).Scan(&token, &reserved)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{
		Token:         token,
		EstimatedCost: reserved,
		SessionID:     sessionID,
		OperatorID:    operatorID,
	}, nil
}

func apiKeyCacheKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "apikey:" + hex.EncodeToString(sum[:])
}

func generateSessionToken(sessionID, operatorID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"session_id":  sessionID,
		"operator_id": operatorID,
		"exp":         time.Now().Add(ttl).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

// HashSecret produces the stored form of an API secret, argon2id with a
// random salt in "salt$hash" base64 encoding.
func HashSecret(secret string, salt []byte) string {
	hash := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash))
}

func verifySecret(secret, storedHash string) bool {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrOperatorLocked):
		return "operator_locked"
	case errors.Is(err, ErrAppNotEntitled):
		return "not_entitled"
	case errors.Is(err, ErrInvalidPlayerCount):
		return "invalid_player_count"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDuplicateInFlight):
		return "duplicate_in_flight"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	default:
		return "error"
	}
}
