package models

import (
	"time"
)

// Ledger entry kinds. Every balance-affecting event writes exactly one
// entry; the signed sum of entries explains the operator balance.
const (
	EntryReserve       = "RESERVE"
	EntrySettleRefund  = "SETTLE_REFUND"
	EntrySettleCharge  = "SETTLE_CHARGE"
	EntryExpireRelease = "EXPIRE_RELEASE"
	EntryRecharge      = "RECHARGE"
)

// LedgerEntry is an immutable append-only audit record. Rows are never
// updated or deleted.
type LedgerEntry struct {
	ID            int64     `json:"id" db:"id"`
	EntryID       string    `json:"entry_id" db:"entry_id"`
	OperatorID    string    `json:"operator_id" db:"operator_id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	Kind          string    `json:"kind" db:"kind"`
	Amount        int64     `json:"amount" db:"amount"` // in fen, always positive; kind carries direction
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyRecord snapshots the first outcome for a session id so
// client retries replay the original response without side effects.
type IdempotencyRecord struct {
	OperatorID string    `json:"operator_id" db:"operator_id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	Result     []byte    `json:"result" db:"result"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// BillingShortfall records the uncollectable remainder when a settlement
// charge exceeds the operator's balance. Sessions always close; the
// discrepancy is recorded for later collection.
type BillingShortfall struct {
	ID         int64     `json:"id" db:"id"`
	OperatorID string    `json:"operator_id" db:"operator_id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	Amount     int64     `json:"amount" db:"amount"` // in fen
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
