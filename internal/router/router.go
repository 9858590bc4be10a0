package router

import (
	"net/http"

	"github.com/clipsmith/backend/internal/auth"
	"github.com/clipsmith/backend/internal/dashboard"
	"github.com/clipsmith/backend/internal/middleware"
)

// New returns the dashboard surface: public auth endpoints plus the
// JWT-protected account routes.
func New(authHandler *auth.Handler, authSvc auth.Service, dashHandler *dashboard.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)

	jwt := middleware.JWTAuth(authSvc)
	mux.Handle("GET /v1/account/me", jwt(http.HandlerFunc(dashHandler.GetMe)))
	mux.Handle("GET /v1/api-keys", jwt(http.HandlerFunc(dashHandler.ListAPIKeys)))
	mux.Handle("POST /v1/api-keys", jwt(http.HandlerFunc(dashHandler.CreateAPIKey)))
	mux.Handle("DELETE /v1/api-keys/{id}", jwt(http.HandlerFunc(dashHandler.DeleteAPIKey)))

	return mux
}
