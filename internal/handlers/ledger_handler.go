package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/immersepay/backend/internal/models"
	"github.com/immersepay/backend/internal/services"
)

// LedgerHandler exposes the operator balance, its explaining ledger
// entries and the recharge entry point to the administration suite.
// Top-ups route through BillingEngine.Credit; an externally-set balance
// that bypasses the ledger is never trusted.
type LedgerHandler struct {
	db        *sql.DB
	billing   *services.BillingEngine
	validator *services.ValidationHelper
}

func NewLedgerHandler(db *sql.DB, billing *services.BillingEngine) *LedgerHandler {
	return &LedgerHandler{
		db:        db,
		billing:   billing,
		validator: services.NewValidationHelper(),
	}
}

// GetLedger returns the operator balance and its most recent entries.
func (h *LedgerHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	operatorID := chi.URLParam(r, "operatorID")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	var balance int64
	err := h.db.QueryRowContext(r.Context(),
		`SELECT balance FROM operator_accounts WHERE operator_id = $1`,
		operatorID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			services.SendErrorResponse(w, "Operator not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[LEDGER] Failed to fetch balance for %s: %v", operatorID, err)
		services.SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT entry_id, operator_id, session_id, kind, amount, balance_before, balance_after, created_at
		FROM ledger_entries
		WHERE operator_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, operatorID, limit)
	if err != nil {
		log.Printf("[LEDGER] Failed to fetch entries for %s: %v", operatorID, err)
		services.SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.EntryID, &e.OperatorID, &e.SessionID, &e.Kind,
			&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt); err != nil {
			services.SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, e)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"operator_id": operatorID,
		"balance":     balance,
		"entries":     entries,
		"count":       len(entries),
	})
}

// Recharge credits an operator balance through the ledger.
func (h *LedgerHandler) Recharge(w http.ResponseWriter, r *http.Request) {
	operatorID := chi.URLParam(r, "operatorID")

	var req struct {
		Amount    int64  `json:"amount" validate:"required,gt=0"`
		Reference string `json:"reference" validate:"required,max=128"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	balanceAfter, err := h.billing.Credit(r.Context(), operatorID, req.Reference, req.Amount)
	if err != nil {
		log.Printf("[LEDGER] Recharge failed for %s: %v", operatorID, err)
		services.SendBillingError(w, err)
		return
	}

	log.Printf("[LEDGER] Operator %s recharged %d fen, balance now %d", operatorID, req.Amount, balanceAfter)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"operator_id": operatorID,
		"balance":     balanceAfter,
	})
}
