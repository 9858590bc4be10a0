package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipsmith/backend/internal/agents"
	"github.com/clipsmith/backend/internal/credits"
	"github.com/clipsmith/backend/internal/handlers"
	"github.com/clipsmith/backend/internal/lifecycle"
	"github.com/clipsmith/backend/internal/middleware"
	"github.com/clipsmith/backend/internal/payments"
	"github.com/clipsmith/backend/internal/repository"
)

// RegisterV1Routes adds the API-key protected /v1 endpoints plus the public
// catalogue and webhook routes to the given mux.
func RegisterV1Routes(
	mux *http.ServeMux,
	pool *pgxpool.Pool,
	apiKeyRepo *repository.APIKeyRepo,
	runRepo *repository.RunRepo,
	txnRepo *repository.TransactionRepo,
	creditSvc credits.Service,
	registry *agents.Registry,
	manager *lifecycle.Manager,
	enqueueRun handlers.EnqueueRunFunc,
	paymentSvc *payments.Service,
	webhookVerifier *payments.SignatureVerifier,
	logger *slog.Logger,
) {
	rh := &handlers.RunHandler{
		Pool:      pool,
		Runs:      runRepo,
		Registry:  registry,
		Enqueue:   enqueueRun,
		Canceller: manager,
		Progress:  manager.Progress,
		Logger:    logger,
	}
	bh := &handlers.BalanceHandler{
		Credits: creditSvc,
		Txns:    txnRepo,
		Logger:  logger,
	}
	ph := &handlers.PaymentHandler{
		Payments: paymentSvc,
		Logger:   logger,
	}
	wh := &handlers.WebhookHandler{
		Verifier: webhookVerifier,
		Payments: paymentSvc,
		Logger:   logger,
	}

	auth := middleware.APIKeyAuth(apiKeyRepo)

	mux.Handle("POST /v1/runs", auth(http.HandlerFunc(rh.CreateRun)))
	mux.Handle("GET /v1/runs", auth(http.HandlerFunc(rh.ListRuns)))
	mux.Handle("GET /v1/runs/{id}", auth(http.HandlerFunc(rh.GetRun)))
	mux.Handle("GET /v1/runs/{id}/events", auth(http.HandlerFunc(rh.StreamEvents)))
	mux.Handle("POST /v1/runs/{id}/cancel", auth(http.HandlerFunc(rh.CancelRun)))

	mux.Handle("GET /v1/balance", auth(http.HandlerFunc(bh.GetBalance)))
	mux.Handle("GET /v1/transactions", auth(http.HandlerFunc(bh.ListTransactions)))

	mux.Handle("POST /v1/payments/orders", auth(http.HandlerFunc(ph.CreateOrder)))
	mux.Handle("POST /v1/payments/verify", auth(http.HandlerFunc(ph.VerifyPayment)))

	// Public: no credentials needed.
	mux.HandleFunc("GET /v1/agents", rh.ListAgents)
	mux.HandleFunc("GET /v1/packages", ph.ListPackages)

	// Gateway pushes authenticate by signature, not API key.
	mux.HandleFunc("POST /webhooks/payment", wh.HandlePayment)
}
