package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/immersepay/backend/internal/config"
)

// IdempotencyGuard maps a caller-supplied session id to the outcome of
// its first processing. Redis is the fast path: a SETNX marker rejects
// concurrent duplicates and a cached snapshot replays finished results.
// The database unique constraint on (operator_id, session_id) remains
// the actual guarantee, so the guard degrades safely without Redis.
type IdempotencyGuard struct {
	db    *sql.DB
	redis *redis.Client
	cfg   *config.BillingConfig
}

func NewIdempotencyGuard(db *sql.DB, redisClient *redis.Client, cfg *config.BillingConfig) *IdempotencyGuard {
	return &IdempotencyGuard{
		db:    db,
		redis: redisClient,
		cfg:   cfg,
	}
}

func resultKey(operatorID, sessionID string) string {
	return fmt.Sprintf("idem:result:%s:%s", operatorID, sessionID)
}

func inflightKey(operatorID, sessionID string) string {
	return fmt.Sprintf("idem:inflight:%s:%s", operatorID, sessionID)
}

// CheckOrReserve returns the cached first result for the session id, or
// nil when the caller should proceed with a fresh reservation. A second
// request arriving while the first is still processing fails fast with
// ErrDuplicateInFlight rather than racing into a second reservation.
func (g *IdempotencyGuard) CheckOrReserve(ctx context.Context, operatorID, sessionID string) (*AuthorizeResult, error) {
	if cached, err := g.lookup(ctx, operatorID, sessionID); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	if g.redis != nil {
		ok, err := g.redis.SetNX(ctx, inflightKey(operatorID, sessionID), "1", g.cfg.TransactionTimeout*2).Result()
		if err != nil {
			log.Printf("[IDEM] Redis in-flight marker failed, relying on DB constraint: %v", err)
			return nil, nil
		}
		if !ok {
			return nil, ErrDuplicateInFlight
		}
	}

	return nil, nil
}

// Store snapshots the successful result for replay. Entries expire after
// the retention window; sessions are time-bounded, so losing replay
// protection beyond it is acceptable.
func (g *IdempotencyGuard) Store(ctx context.Context, result *AuthorizeResult) {
	snapshot, err := json.Marshal(result)
	if err != nil {
		log.Printf("[IDEM] Failed to marshal result for session %s: %v", result.SessionID, err)
		return
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (operator_id, session_id, result, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (operator_id, session_id) DO NOTHING`,
		result.OperatorID, result.SessionID, snapshot, time.Now())
	if err != nil {
		log.Printf("[IDEM] Failed to persist idempotency record for session %s: %v", result.SessionID, err)
	}

	if g.redis != nil {
		if err := g.redis.Set(ctx, resultKey(result.OperatorID, result.SessionID), snapshot, g.cfg.IdempotencyTTL).Err(); err != nil {
			log.Printf("[IDEM] Failed to cache result for session %s: %v", result.SessionID, err)
		}
		g.redis.Del(ctx, inflightKey(result.OperatorID, result.SessionID))
	}
}

// Release clears the in-flight marker after a failed attempt so the
// client's retry is not rejected as a duplicate.
func (g *IdempotencyGuard) Release(ctx context.Context, operatorID, sessionID string) {
	if g.redis != nil {
		g.redis.Del(ctx, inflightKey(operatorID, sessionID))
	}
}

// PurgeExpired removes records older than the retention window.
func (g *IdempotencyGuard) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := g.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE created_at < $1`,
		time.Now().Add(-g.cfg.IdempotencyTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	return result.RowsAffected()
}

func (g *IdempotencyGuard) lookup(ctx context.Context, operatorID, sessionID string) (*AuthorizeResult, error) {
	if g.redis != nil {
		data, err := g.redis.Get(ctx, resultKey(operatorID, sessionID)).Bytes()
		if err == nil {
			var result AuthorizeResult
			if err := json.Unmarshal(data, &result); err == nil {
				return &result, nil
			}
		} else if err != redis.Nil {
			log.Printf("[IDEM] Redis lookup failed for session %s: %v", sessionID, err)
		}
	}

	var snapshot []byte
	err := g.db.QueryRowContext(ctx, `
		SELECT result FROM idempotency_records
		WHERE operator_id = $1 AND session_id = $2 AND created_at >= $3`,
		operatorID, sessionID, time.Now().Add(-g.cfg.IdempotencyTTL)).Scan(&snapshot)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	var result AuthorizeResult
	if err := json.Unmarshal(snapshot, &result); err != nil {
		return nil, fmt.Errorf("corrupt idempotency record for session %s: %w", sessionID, err)
	}
	return &result, nil
}
