package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/immersepay/backend/internal/audit"
	"github.com/immersepay/backend/internal/config"
	"github.com/immersepay/backend/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementService closes sessions: explicit End calls from headset
// servers and the background sweep for sessions whose End never arrived.
// Both paths reconcile through BillingEngine.Settle, so the
// single-writer-per-operator invariant holds regardless of who closes
// the session.
type SettlementService struct {
	db        *sql.DB
	billing   *BillingEngine
	guard     *IdempotencyGuard
	cfg       *config.BillingConfig
	validator *ValidationHelper
	audit     *audit.Logger
}

// EndRequest reports actual usage for a session. Duration is in seconds.
type EndRequest struct {
	SessionID         string `json:"session_id" validate:"required,max=128"`
	ActualPlayerCount int    `json:"actual_player_count"`
	ActualDuration    int64  `json:"actual_duration" validate:"gte=0"`
}

func NewSettlementService(db *sql.DB, billing *BillingEngine, guard *IdempotencyGuard, cfg *config.BillingConfig) *SettlementService {
	return &SettlementService{
		db:        db,
		billing:   billing,
		guard:     guard,
		cfg:       cfg,
		validator: NewValidationHelper(),
		audit:     audit.NewLogger(),
	}
}

// End handles POST /v1/auth/game/end.
func (s *SettlementService) End(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(authLatency.WithLabelValues("end"))
	defer timer.ObserveDuration()

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req EndRequest
	if err := dec.Decode(&req); err != nil {
		authRequestsTotal.WithLabelValues("end", "bad_request").Inc()
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		authRequestsTotal.WithLabelValues("end", "bad_request").Inc()
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		authRequestsTotal.WithLabelValues("end", "bad_request").Inc()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.EndSession(r.Context(), &req)
	if err != nil {
		authRequestsTotal.WithLabelValues("end", outcomeLabel(err)).Inc()
		SendBillingError(w, err)
		return
	}

	outcome := "success"
	if result.Replayed {
		outcome = "replay"
	}
	authRequestsTotal.WithLabelValues("end", outcome).Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"session_id":       result.SessionID,
		"final_cost":       result.FinalAmount,
		"refund_or_charge": result.Delta,
	})
}

// EndSession computes the final cost from actual usage and settles.
// Ending an already-settled session replays the recorded result; games
// must always be allowed to terminate cleanly.
func (s *SettlementService) EndSession(ctx context.Context, req *EndRequest) (*SettleResult, error) {
	sess, err := s.fetchSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status == models.SessionSettled {
		log.Printf("[SETTLE] Session %s already settled, replaying final amount %d", sess.SessionID, sess.FinalAmount)
		return &SettleResult{
			SessionID:   sess.SessionID,
			FinalAmount: sess.FinalAmount,
			Delta:       sess.FinalAmount - sess.ReservedAmount,
			Replayed:    true,
		}, nil
	}

	players := req.ActualPlayerCount
	if players <= 0 {
		players = sess.PlayerCount
	}
	if players > s.cfg.MaxPlayerCount {
		players = s.cfg.MaxPlayerCount
	}

	price, err := s.recordedPrice(ctx, sess.OperatorID, sess.AppID)
	if err != nil {
		return nil, err
	}

	final := s.billing.FinalCost(price, players, time.Duration(req.ActualDuration)*time.Second)

	result, err := s.billing.Settle(ctx, sess.SessionID, final, false)
	if errors.Is(err, ErrAlreadySettled) {
		// Lost the race against a concurrent End or the sweep; the
		// recorded result is the answer either way.
		result.Replayed = true
		return result, nil
	}
	if err != nil {
		s.audit.LogError(sess.SessionID, sess.OperatorID, err)
		return nil, err
	}

	log.Printf("[SETTLE] Session %s settled: final %d fen, delta %d fen, shortfall %d fen",
		sess.SessionID, result.FinalAmount, result.Delta, result.Shortfall)
	return result, nil
}

// StartSweeper launches the periodic expiry sweep. It stops when ctx is
// cancelled, so graceful shutdown drains it with the HTTP server.
func (s *SettlementService) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		log.Printf("[SWEEP] Expiry sweep started, interval %s, session timeout %s",
			s.cfg.SweepInterval, s.cfg.SessionTimeout)

		for {
			select {
			case <-ctx.Done():
				log.Println("[SWEEP] Expiry sweep stopped")
				return
			case <-ticker.C:
				if n, err := s.SweepExpired(ctx); err != nil {
					log.Printf("[SWEEP] Sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("[SWEEP] Auto-settled %d expired sessions", n)
				}
				if purged, err := s.guard.PurgeExpired(ctx); err != nil {
					log.Printf("[SWEEP] Idempotency purge failed: %v", err)
				} else if purged > 0 {
					log.Printf("[SWEEP] Purged %d idempotency records", purged)
				}
			}
		}
	}()
}

// SweepExpired settles active sessions past the configured timeout. The
// final cost is computed from the capped elapsed time and the player
// count recorded at authorization; the unused remainder is released with
// an EXPIRE_RELEASE entry.
//
// EXPIRED candidates are re-selected too: a session marked expired whose
// settle transaction then failed would otherwise be stranded with its
// reservation held forever.
func (s *SettlementService) SweepExpired(ctx context.Context) (int, error) {
	deadline := time.Now().Add(-s.cfg.SessionTimeout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, operator_id, app_id, player_count
		FROM game_sessions
		WHERE status IN ($1, $2) AND started_at < $3
		ORDER BY started_at
		LIMIT 100`, models.SessionActive, models.SessionExpired, deadline)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired sessions: %w", err)
	}
	defer rows.Close()

	type expired struct {
		sessionID, operatorID, appID string
		playerCount                  int
	}
	var candidates []expired
	for rows.Next() {
		var c expired
		if err := rows.Scan(&c.sessionID, &c.operatorID, &c.appID, &c.playerCount); err != nil {
			return 0, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	settled := 0
	for _, c := range candidates {
		price, err := s.recordedPrice(ctx, c.operatorID, c.appID)
		if err != nil {
			log.Printf("[SWEEP] Pricing lookup failed for session %s: %v", c.sessionID, err)
			continue
		}

		// Mark the side transition before settling; the billed duration
		// is capped at the session timeout.
		if _, err := s.db.ExecContext(ctx, `
			UPDATE game_sessions SET status = $1
			WHERE session_id = $2 AND status = $3`,
			models.SessionExpired, c.sessionID, models.SessionActive); err != nil {
			log.Printf("[SWEEP] Failed to mark session %s expired: %v", c.sessionID, err)
			continue
		}

		final := s.billing.FinalCost(price, c.playerCount, s.cfg.SessionTimeout)
		result, err := s.billing.Settle(ctx, c.sessionID, final, true)
		if err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				continue
			}
			log.Printf("[SWEEP] Failed to settle expired session %s: %v", c.sessionID, err)
			continue
		}

		sweepSettledTotal.Inc()
		settled++
		log.Printf("[SWEEP] Session %s expired and settled: final %d fen, delta %d fen",
			c.sessionID, result.FinalAmount, result.Delta)
	}

	return settled, nil
}

func (s *SettlementService) fetchSession(ctx context.Context, sessionID string) (*models.GameSession, error) {
	var sess models.GameSession
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, operator_id, app_id, player_count, status, reserved_amount, final_amount
		FROM game_sessions
		WHERE session_id = $1`, sessionID).Scan(
		&sess.SessionID, &sess.OperatorID, &sess.AppID, &sess.PlayerCount,
		&sess.Status, &sess.ReservedAmount, &sess.FinalAmount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	return &sess, nil
}

// recordedPrice looks up pricing without the entitlement filter: a
// session that was authorized must still settle even if the admin suite
// has since revoked the entitlement.
func (s *SettlementService) recordedPrice(ctx context.Context, operatorID, appID string) (int64, error) {
	var price int64
	err := s.db.QueryRowContext(ctx, `
		SELECT price_per_player_minute
		FROM application_pricing
		WHERE operator_id = $1 AND app_id = $2`,
		operatorID, appID).Scan(&price)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("pricing missing for operator %s app %s", operatorID, appID)
		}
		return 0, fmt.Errorf("pricing lookup failed: %w", err)
	}
	return price, nil
}
