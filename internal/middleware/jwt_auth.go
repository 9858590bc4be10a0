package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/models"
)

// TokenValidator resolves a bearer token to the account that owns it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// JWTAuth authenticates dashboard requests with the session token issued at
// login. Programmatic clients use APIKeyAuth instead.
func JWTAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			userID, err := validator.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			acc, err := validator.GetAccount(r.Context(), userID)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxAccountKey, acc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
