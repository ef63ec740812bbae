package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/immersepay/backend/internal/audit"
	"github.com/immersepay/backend/internal/config"
	"github.com/immersepay/backend/internal/models"
	"github.com/lib/pq"
)

// BillingEngine owns every mutation of operator balances. All writes run
// inside a single transaction holding the operator row lock, so Reserve
// and Settle calls for one operator serialize while different operators
// proceed in parallel.
type BillingEngine struct {
	db    *sql.DB
	cfg   *config.BillingConfig
	audit *audit.Logger
}

// SettleResult describes the outcome of closing a session.
type SettleResult struct {
	SessionID    string `json:"session_id"`
	FinalAmount  int64  `json:"final_cost"`
	Delta        int64  `json:"refund_or_charge"` // negative = refund, positive = charge
	BalanceAfter int64  `json:"-"`
	Shortfall    int64  `json:"shortfall,omitempty"`
	Replayed     bool   `json:"-"`
}

func NewBillingEngine(db *sql.DB, cfg *config.BillingConfig) *BillingEngine {
	return &BillingEngine{
		db:    db,
		cfg:   cfg,
		audit: audit.NewLogger(),
	}
}

// EstimateReservation returns the up-front charge for a session: the
// per-player-minute price across the configured reserve window.
func (e *BillingEngine) EstimateReservation(pricePerPlayerMinute int64, playerCount int) int64 {
	minutes := int64(e.cfg.ReserveWindow / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return pricePerPlayerMinute * int64(playerCount) * minutes
}

// FinalCost prorates the per-minute price over the actual duration,
// rounding up to the next fen.
func (e *BillingEngine) FinalCost(pricePerPlayerMinute int64, playerCount int, duration time.Duration) int64 {
	seconds := int64(duration / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	total := pricePerPlayerMinute * int64(playerCount) * seconds
	return (total + 59) / 60
}

// Reserve atomically creates the session row and debits the estimated
// amount. The unique constraint on (operator_id, session_id) makes a
// concurrent duplicate insert fail before any money moves; the caller
// interprets that as "fetch the existing result instead".
func (e *BillingEngine) Reserve(ctx context.Context, sess *models.GameSession) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TransactionTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reserve transaction: %w", err)
	}
	defer tx.Rollback()

	// Insert before taking the operator lock so a duplicate session id
	// fails fast without serializing behind other reservations.
	err = tx.QueryRowContext(ctx, `
		INSERT INTO game_sessions (session_id, operator_id, app_id, player_count, status, reserved_amount, auth_token, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		sess.SessionID, sess.OperatorID, sess.AppID, sess.PlayerCount,
		models.SessionActive, sess.ReservedAmount, sess.AuthToken, sess.StartedAt).Scan(&sess.ID)
	if err != nil {
		return 0, mapBillingError(err)
	}

	account, err := e.lockOperator(ctx, tx, sess.OperatorID)
	if err != nil {
		return 0, mapBillingError(err)
	}

	// Re-check under the lock; the admin suite may have locked the
	// operator since validation.
	if !account.IsActive || account.IsLocked {
		return 0, ErrOperatorLocked
	}

	if account.Balance < sess.ReservedAmount {
		return 0, ErrInsufficientBalance
	}

	balanceAfter := account.Balance - sess.ReservedAmount
	if err := e.updateBalance(ctx, tx, sess.OperatorID, balanceAfter, account.Version); err != nil {
		return 0, mapBillingError(err)
	}

	if err := e.appendLedgerEntry(ctx, tx, sess.OperatorID, sess.SessionID,
		models.EntryReserve, sess.ReservedAmount, account.Balance, balanceAfter); err != nil {
		return 0, mapBillingError(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, mapBillingError(err)
	}

	e.audit.LogReserve(sess.SessionID, sess.OperatorID, sess.ReservedAmount, balanceAfter)
	return balanceAfter, nil
}

// Settle closes a session and reconciles the reservation against the
// final cost. Re-invoking for a settled session is a no-op that replays
// the recorded result. When expiry is set the refund entry is written as
// EXPIRE_RELEASE so the sweep's closures are distinguishable in audit.
//
// A supplemental charge larger than the remaining balance never blocks
// closure: the available amount is charged and the rest recorded as a
// shortfall.
func (e *BillingEngine) Settle(ctx context.Context, sessionID string, finalAmount int64, expiry bool) (*SettleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TransactionTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin settle transaction: %w", err)
	}
	defer tx.Rollback()

	var sess models.GameSession
	err = tx.QueryRowContext(ctx, `
		SELECT id, session_id, operator_id, status, reserved_amount, final_amount
		FROM game_sessions
		WHERE session_id = $1
		FOR UPDATE`, sessionID).Scan(
		&sess.ID, &sess.SessionID, &sess.OperatorID, &sess.Status,
		&sess.ReservedAmount, &sess.FinalAmount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, mapBillingError(err)
	}

	if sess.Status == models.SessionSettled {
		return &SettleResult{
			SessionID:   sess.SessionID,
			FinalAmount: sess.FinalAmount,
			Delta:       sess.FinalAmount - sess.ReservedAmount,
			Replayed:    true,
		}, ErrAlreadySettled
	}

	account, err := e.lockOperator(ctx, tx, sess.OperatorID)
	if err != nil {
		return nil, mapBillingError(err)
	}

	result := &SettleResult{
		SessionID:   sess.SessionID,
		FinalAmount: finalAmount,
		Delta:       finalAmount - sess.ReservedAmount,
	}

	kind := models.EntrySettleRefund
	if expiry {
		kind = models.EntryExpireRelease
	}
	moved := -result.Delta // refund amount when final < reserved

	balanceAfter := account.Balance
	if result.Delta > 0 {
		// Supplemental charge, capped at what the operator still has.
		kind = models.EntrySettleCharge
		moved = result.Delta
		if moved > account.Balance {
			result.Shortfall = moved - account.Balance
			moved = account.Balance
		}
		balanceAfter = account.Balance - moved
	} else {
		balanceAfter = account.Balance + moved
	}

	if err := e.updateBalance(ctx, tx, sess.OperatorID, balanceAfter, account.Version); err != nil {
		return nil, mapBillingError(err)
	}

	// Exactly one settlement entry per session, even when nothing moved.
	if err := e.appendLedgerEntry(ctx, tx, sess.OperatorID, sess.SessionID,
		kind, moved, account.Balance, balanceAfter); err != nil {
		return nil, mapBillingError(err)
	}

	if result.Shortfall > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO billing_shortfalls (operator_id, session_id, amount, created_at)
			VALUES ($1, $2, $3, $4)`,
			sess.OperatorID, sess.SessionID, result.Shortfall, time.Now())
		if err != nil {
			return nil, mapBillingError(err)
		}
	}

	status := models.SessionSettled
	_, err = tx.ExecContext(ctx, `
		UPDATE game_sessions
		SET status = $1, final_amount = $2, ended_at = $3
		WHERE id = $4`,
		status, finalAmount, time.Now(), sess.ID)
	if err != nil {
		return nil, mapBillingError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapBillingError(err)
	}

	result.BalanceAfter = balanceAfter
	e.audit.LogSettle(sess.SessionID, sess.OperatorID, kind, moved, balanceAfter)
	if result.Shortfall > 0 {
		e.audit.LogShortfall(sess.SessionID, sess.OperatorID, result.Shortfall)
		log.Printf("[BILLING] Settlement shortfall for session %s: %d fen uncollected", sess.SessionID, result.Shortfall)
	}
	return result, nil
}

// Credit tops up an operator balance through the same lock-and-ledger
// path used for reservations. Recharges from the admin suite must never
// bypass the ledger.
func (e *BillingEngine) Credit(ctx context.Context, operatorID, reference string, amount int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TransactionTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := e.lockOperator(ctx, tx, operatorID)
	if err != nil {
		return 0, mapBillingError(err)
	}

	balanceAfter := account.Balance + amount
	if err := e.updateBalance(ctx, tx, operatorID, balanceAfter, account.Version); err != nil {
		return 0, mapBillingError(err)
	}

	if err := e.appendLedgerEntry(ctx, tx, operatorID, reference,
		models.EntryRecharge, amount, account.Balance, balanceAfter); err != nil {
		return 0, mapBillingError(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, mapBillingError(err)
	}

	e.audit.LogSettle(reference, operatorID, models.EntryRecharge, amount, balanceAfter)
	return balanceAfter, nil
}

func (e *BillingEngine) lockOperator(ctx context.Context, tx *sql.Tx, operatorID string) (*models.OperatorAccount, error) {
	var account models.OperatorAccount
	err := tx.QueryRowContext(ctx, `
		SELECT operator_id, balance, is_active, is_locked, version
		FROM operator_accounts
		WHERE operator_id = $1
		FOR UPDATE`, operatorID).Scan(
		&account.OperatorID, &account.Balance, &account.IsActive,
		&account.IsLocked, &account.Version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (e *BillingEngine) appendLedgerEntry(ctx context.Context, tx *sql.Tx, operatorID, sessionID, kind string, amount, balanceBefore, balanceAfter int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_id, operator_id, session_id, kind, amount, balance_before, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), operatorID, sessionID, kind, amount, balanceBefore, balanceAfter, time.Now())
	return err
}

func (e *BillingEngine) updateBalance(ctx context.Context, tx *sql.Tx, operatorID string, newBalance int64, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE operator_accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE operator_id = $3 AND version = $4`,
		newBalance, time.Now(), operatorID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrConcurrencyConflict
	}

	return nil
}

// mapBillingError translates driver-level failures into the billing
// taxonomy: unique violations signal a duplicate session, lock and
// cancellation failures signal a retryable conflict.
func mapBillingError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return ErrDuplicateInFlight
		case "40001", "55P03", "57014": // serialization, lock_not_available, query_canceled
			return ErrConcurrencyConflict
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrConcurrencyConflict
	}
	return err
}
