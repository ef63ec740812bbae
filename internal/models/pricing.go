package models

import (
	"time"
)

// ApplicationPricing scopes an application's per-player price to an
// operator's entitlement. Read-only to the billing core; the admin
// suite owns these rows.
type ApplicationPricing struct {
	OperatorID           string    `json:"operator_id" db:"operator_id"`
	AppID                string    `json:"app_id" db:"app_id"`
	PricePerPlayerMinute int64     `json:"price_per_player_minute" db:"price_per_player_minute"` // in fen
	IsActive             bool      `json:"is_active" db:"is_active"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}
