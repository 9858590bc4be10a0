package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/middleware"
	"github.com/clipsmith/backend/internal/models"
)

// BalanceReader is the credit service subset for read endpoints.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
}

// TransactionLister lists ledger entries.
type TransactionLister interface {
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// BalanceHandler serves /v1/balance and /v1/transactions.
type BalanceHandler struct {
	Credits BalanceReader
	Txns    TransactionLister
	Logger  *slog.Logger
}

type balanceResponse struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// GetBalance handles GET /v1/balance.
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	bal, err := h.Credits.GetBalance(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("get balance", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Total:     bal.Total,
		Used:      bal.Used,
		Reserved:  bal.Reserved,
		Available: bal.Available(),
	})
}

// ListTransactions handles GET /v1/transactions.
func (h *BalanceHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	txns, err := h.Txns.ListByUserID(r.Context(), acc.ID, 100)
	if err != nil {
		h.Logger.Error("list transactions", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}
