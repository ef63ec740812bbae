package handlers

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/immersepay/backend/internal/models"
	"github.com/immersepay/backend/internal/services"
)

// SessionHandler serves read-only session state to the administration
// suite.
type SessionHandler struct {
	db *sql.DB
}

func NewSessionHandler(db *sql.DB) *SessionHandler {
	return &SessionHandler{db: db}
}

// GetSession returns the current state of a game session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var sess models.GameSession
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, session_id, operator_id, app_id, player_count, status,
		       reserved_amount, final_amount, started_at, ended_at
		FROM game_sessions
		WHERE session_id = $1`, sessionID).Scan(
		&sess.ID, &sess.SessionID, &sess.OperatorID, &sess.AppID,
		&sess.PlayerCount, &sess.Status, &sess.ReservedAmount,
		&sess.FinalAmount, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			services.SendErrorResponse(w, "Session not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[SESSION] Failed to fetch session %s: %v", sessionID, err)
		services.SendErrorResponse(w, "Failed to fetch session", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}
