package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one balance-affecting occurrence in the billing core. Events
// are emitted as structured JSON lines so the admin suite can ship them
// to its audit store.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	SessionID  string    `json:"session_id"`
	OperatorID string    `json:"operator_id"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	Details    any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogReserve(sessionID, operatorID string, amount, balanceAfter int64) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "RESERVE",
		SessionID:  sessionID,
		OperatorID: operatorID,
		Amount:     amount,
		Status:     "SUCCESS",
		Details:    map[string]int64{"balance_after": balanceAfter},
	})
}

func (a *Logger) LogSettle(sessionID, operatorID, kind string, amount, balanceAfter int64) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  kind,
		SessionID:  sessionID,
		OperatorID: operatorID,
		Amount:     amount,
		Status:     "SUCCESS",
		Details:    map[string]int64{"balance_after": balanceAfter},
	})
}

func (a *Logger) LogShortfall(sessionID, operatorID string, shortfall int64) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "SHORTFALL",
		SessionID:  sessionID,
		OperatorID: operatorID,
		Amount:     shortfall,
		Status:     "RECORDED",
	})
}

func (a *Logger) LogError(sessionID, operatorID string, err error) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "ERROR",
		SessionID:  sessionID,
		OperatorID: operatorID,
		Status:     "FAILED",
		Details:    map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
