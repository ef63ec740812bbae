package models

import (
	"time"
)

// OperatorAccount is the single authoritative balance record for an
// operator. Balance is in minor currency units (fen) and never negative;
// every mutation goes through the billing engine under a row lock.
type OperatorAccount struct {
	ID         int       `json:"id" db:"id"`
	OperatorID string    `json:"operator_id" db:"operator_id"`
	Name       string    `json:"name" db:"name"`
	Balance    int64     `json:"balance" db:"balance"` // in fen
	IsActive   bool      `json:"is_active" db:"is_active"`
	IsLocked   bool      `json:"is_locked" db:"is_locked"`
	Version    int       `json:"version" db:"version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// OperatorAPIKey is a credential issued to a headset server fleet.
// The wire format is "keyID.secret"; only the argon2id hash of the
// secret is stored.
type OperatorAPIKey struct {
	KeyID      string    `json:"key_id" db:"key_id"`
	OperatorID string    `json:"operator_id" db:"operator_id"`
	SecretHash string    `json:"-" db:"secret_hash"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
