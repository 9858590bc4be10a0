package dashboard

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/middleware"
	"github.com/clipsmith/backend/internal/models"
	"github.com/clipsmith/backend/internal/repository"
)

// BalanceReader reads the credit balance shown on the dashboard.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
}

type Handler struct {
	credits BalanceReader
	apiKeyR *repository.APIKeyRepo
	log     *slog.Logger
}

func NewHandler(credits BalanceReader, apiKeyR *repository.APIKeyRepo, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{credits: credits, apiKeyR: apiKeyR, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	bal, err := h.credits.GetBalance(r.Context(), acc.ID)
	if err != nil {
		h.log.Error("get balance for account", "account_id", acc.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                acc.ID,
		"email":             acc.Email,
		"display_name":      acc.DisplayName,
		"credits_total":     bal.Total,
		"credits_available": bal.Available(),
		"credits_reserved":  bal.Reserved,
		"created_at":        acc.CreatedAt,
	})
}

// GET /v1/api-keys
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	keys, err := h.apiKeyR.ListByAccountID(r.Context(), acc.ID)
	if err != nil {
		h.log.Error("list api keys failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// POST /v1/api-keys
// The raw key is returned exactly once; only its SHA-256 is stored.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		http.Error(w, "key generation failed", http.StatusInternalServerError)
		return
	}
	rawKey := "csk_" + hex.EncodeToString(rawBytes)
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])
	keyPrefix := rawKey[:12]

	k := &models.APIKey{
		ID:        uuid.New(),
		AccountID: acc.ID,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		IsActive:  true,
	}
	if err := h.apiKeyR.Create(r.Context(), k); err != nil {
		h.log.Error("create api key failed", "error", err)
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         k.ID,
		"key_prefix": k.KeyPrefix,
		"is_active":  k.IsActive,
		"raw_key":    rawKey,
	})
}

// DELETE /v1/api-keys/{id}
func (h *Handler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid key ID", http.StatusBadRequest)
		return
	}
	if err := h.apiKeyR.Deactivate(r.Context(), keyID, acc.ID); err != nil {
		h.log.Error("deactivate api key failed", "error", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
