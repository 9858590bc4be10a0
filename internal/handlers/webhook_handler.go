package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/clipsmith/backend/internal/payments"
)

const maxWebhookBody = 64 << 10

// WebhookProcessor is the payments entry point for gateway pushes.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload payments.WebhookPayload) error
}

// WebhookHandler serves POST /webhooks/payment. The gateway retries until it
// sees 2xx, so every already-handled delivery must answer 200.
type WebhookHandler struct {
	Verifier *payments.SignatureVerifier
	Payments WebhookProcessor
	Logger   *slog.Logger
}

func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	timestamp := r.Header.Get("X-Webhook-Timestamp")
	signature := r.Header.Get("X-Webhook-Signature")
	if err := h.Verifier.Verify(timestamp, body, signature); err != nil {
		if errors.Is(err, payments.ErrStaleTimestamp) {
			http.Error(w, `{"error":"stale timestamp"}`, http.StatusBadRequest)
			return
		}
		h.Logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	var payload payments.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	err = h.Payments.HandleWebhook(r.Context(), payload)
	switch {
	case err == nil, errors.Is(err, payments.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, payments.ErrPaymentMismatch), errors.Is(err, payments.ErrOrderNotFound):
		// Retrying cannot fix a mismatched or unknown payment.
		h.Logger.Warn("webhook rejected", "payment_id", payload.ExternalPaymentID, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, payments.ErrPaymentNotPaid):
		// Gateway pushed before its own read model settled; let it retry.
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error("webhook processing failed", "payment_id", payload.ExternalPaymentID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
