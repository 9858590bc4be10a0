package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/clipsmith/backend/internal/middleware"
	"github.com/clipsmith/backend/internal/payments"
)

// PaymentHandler serves checkout and verification endpoints.
type PaymentHandler struct {
	Payments *payments.Service
	Logger   *slog.Logger
}

// ListPackages handles GET /v1/packages (public, no auth).
func (h *PaymentHandler) ListPackages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Payments.Packages())
}

// --- POST /v1/payments/orders ---

type createOrderRequest struct {
	PackageCode string `json:"package_code"`
}

// CreateOrder handles POST /v1/payments/orders.
func (h *PaymentHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	order, err := h.Payments.CreateOrder(r.Context(), acc.ID, req.PackageCode)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownPackage) {
			http.Error(w, `{"error":"unknown package"}`, http.StatusBadRequest)
			return
		}
		h.Logger.Error("create order", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// --- POST /v1/payments/verify ---

type verifyRequest struct {
	MerchantRef string `json:"merchant_ref"`
	PaymentID   string `json:"payment_id"`
}

// VerifyPayment handles POST /v1/payments/verify — the client-driven
// confirmation path. A payment already confirmed via webhook reports success
// rather than an error.
func (h *PaymentHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.MerchantRef == "" || req.PaymentID == "" {
		http.Error(w, `{"error":"merchant_ref and payment_id are required"}`, http.StatusBadRequest)
		return
	}

	order, err := h.Payments.Verify(r.Context(), req.MerchantRef, req.PaymentID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, order)
	case errors.Is(err, payments.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, order)
	case errors.Is(err, payments.ErrOrderNotFound):
		http.Error(w, `{"error":"order not found"}`, http.StatusNotFound)
	case errors.Is(err, payments.ErrPaymentNotPaid):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.Is(err, payments.ErrPaymentMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error("verify payment", "merchant_ref", req.MerchantRef, "error", err)
		http.Error(w, `{"error":"verification failed"}`, http.StatusInternalServerError)
	}
}
