package models

import (
	"time"
)

// GameSession statuses. A session moves reserved -> active -> settled,
// with active -> expired -> settled when the expiry sweep closes it.
const (
	SessionReserved = "RESERVED"
	SessionActive   = "ACTIVE"
	SessionSettled  = "SETTLED"
	SessionExpired  = "EXPIRED"
)

// GameSession tracks one headset game launch from authorization to
// settlement. The session_id is caller supplied and unique per operator;
// the row is immutable once settled.
type GameSession struct {
	ID             int64      `json:"id" db:"id"`
	SessionID      string     `json:"session_id" db:"session_id"`
	OperatorID     string     `json:"operator_id" db:"operator_id"`
	AppID          string     `json:"app_id" db:"app_id"`
	PlayerCount    int        `json:"player_count" db:"player_count"`
	Status         string     `json:"status" db:"status"`
	ReservedAmount int64      `json:"reserved_amount" db:"reserved_amount"` // in fen
	FinalAmount    int64      `json:"final_amount" db:"final_amount"`       // in fen, 0 until settled
	AuthToken      string     `json:"-" db:"auth_token"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}
