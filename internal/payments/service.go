package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clipsmith/backend/internal/credits"
	"github.com/clipsmith/backend/internal/models"
)

var (
	// ErrAlreadyProcessed signals an idempotent no-op: the payment was
	// confirmed by an earlier (or concurrently racing) path. It is a
	// success for callers, not a failure.
	ErrAlreadyProcessed = errors.New("payment already processed")

	// ErrPaymentNotPaid means the gateway's authoritative status is not
	// "paid" yet; the caller may retry verification later.
	ErrPaymentNotPaid = errors.New("payment not paid")

	// ErrPaymentMismatch means the gateway's amount or merchant identity
	// does not match the order.
	ErrPaymentMismatch = errors.New("payment does not match order")

	ErrOrderNotFound  = errors.New("payment order not found")
	ErrUnknownPackage = errors.New("unknown credit package")
)

// DefaultPackages is the purchasable catalogue. Constructed at startup and
// injected; prices are cents, credits are ledger units.
func DefaultPackages() map[string]models.CreditPackage {
	return map[string]models.CreditPackage{
		"starter": {Code: "starter", BaseCredits: 500, BonusCredits: 0, PriceCents: 900},
		"creator": {Code: "creator", BaseCredits: 2000, BonusCredits: 200, PriceCents: 2900},
		"studio":  {Code: "studio", BaseCredits: 8000, BonusCredits: 1500, PriceCents: 9900},
	}
}

// OrderStore is the payment persistence subset the service needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.PaymentOrder) error
	GetByMerchantRef(ctx context.Context, merchantRef string) (*models.PaymentOrder, error)
	MarkPaid(ctx context.Context, id uuid.UUID, externalPaymentID string, paidAt time.Time) (bool, error)
	BeginWebhookEvent(ctx context.Context, idempotencyKey string) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, idempotencyKey string) error
}

// CreditGranter is the slice of the credit service payments call.
type CreditGranter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string, paymentID *uuid.UUID) (models.Balance, error)
}

// Service confirms payments. Two independent triggers — the client-driven
// verify call and the gateway webhook — converge on the same idempotent
// procedure, so whichever arrives second observes ErrAlreadyProcessed.
type Service struct {
	orders     OrderStore
	gateway    Gateway
	credits    CreditGranter
	packages   map[string]models.CreditPackage
	merchantID string
	log        *slog.Logger
}

func NewService(orders OrderStore, gateway Gateway, creditSvc CreditGranter, packages map[string]models.CreditPackage, merchantID string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		orders:     orders,
		gateway:    gateway,
		credits:    creditSvc,
		packages:   packages,
		merchantID: merchantID,
		log:        log,
	}
}

// Packages returns the catalogue sorted by price.
func (s *Service) Packages() []models.CreditPackage {
	out := make([]models.CreditPackage, 0, len(s.packages))
	for _, pkg := range s.packages {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out
}

// Package returns the catalogue entry for code.
func (s *Service) Package(code string) (models.CreditPackage, error) {
	pkg, ok := s.packages[code]
	if !ok {
		return models.CreditPackage{}, fmt.Errorf("%w: %q", ErrUnknownPackage, code)
	}
	return pkg, nil
}

// CreateOrder opens a checkout for the given package.
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, packageCode string) (*models.PaymentOrder, error) {
	pkg, err := s.Package(packageCode)
	if err != nil {
		return nil, err
	}
	order := &models.PaymentOrder{
		ID:          uuid.New(),
		MerchantRef: uuid.NewString(),
		UserID:      userID,
		PackageCode: pkg.Code,
		AmountCents: pkg.PriceCents,
		Status:      models.OrderStatusPending,
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create payment order: %w", err)
	}
	return order, nil
}

// Verify is the single idempotent confirmation procedure. It re-checks the
// payment against the gateway's authoritative endpoint — webhook payload
// fields are never trusted directly — then transitions the order to paid
// exactly once and grants package credits.
func (s *Service) Verify(ctx context.Context, merchantRef, externalPaymentID string) (*models.PaymentOrder, error) {
	order, err := s.orders.GetByMerchantRef(ctx, merchantRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment order: %w", err)
	}

	// Primary defense against the two racing confirmation paths.
	if order.Status == models.OrderStatusPaid {
		return order, ErrAlreadyProcessed
	}

	ps, err := s.gateway.GetPayment(ctx, externalPaymentID)
	if err != nil {
		return nil, fmt.Errorf("re-verify with gateway: %w", err)
	}
	if ps.Status != GatewayStatusPaid {
		return nil, fmt.Errorf("%w: gateway status %q", ErrPaymentNotPaid, ps.Status)
	}
	if ps.AmountTotalCents != order.AmountCents {
		return nil, fmt.Errorf("%w: gateway amount %d, order expects %d",
			ErrPaymentMismatch, ps.AmountTotalCents, order.AmountCents)
	}
	if ps.MerchantID != s.merchantID {
		return nil, fmt.Errorf("%w: gateway merchant %q", ErrPaymentMismatch, ps.MerchantID)
	}

	flipped, err := s.orders.MarkPaid(ctx, order.ID, externalPaymentID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	if !flipped {
		// Lost the race: the other path already confirmed and granted.
		return order, ErrAlreadyProcessed
	}
	order.Status = models.OrderStatusPaid
	order.ExternalPaymentID = &externalPaymentID

	pkg, err := s.Package(order.PackageCode)
	if err != nil {
		return nil, err
	}
	// Base and bonus are two transactions so admin tooling can tell them
	// apart.
	if _, err := s.credits.Grant(ctx, order.UserID, pkg.BaseCredits, credits.GrantReasonPurchase, &order.ID); err != nil {
		s.log.Error("billing discrepancy: order paid but base grant failed, needs manual reconciliation",
			"order_id", order.ID, "user_id", order.UserID, "credits", pkg.BaseCredits, "error", err)
		return nil, fmt.Errorf("grant base credits: %w", err)
	}
	if pkg.BonusCredits > 0 {
		if _, err := s.credits.Grant(ctx, order.UserID, pkg.BonusCredits, credits.GrantReasonBonus, &order.ID); err != nil {
			s.log.Error("billing discrepancy: bonus grant failed, needs manual reconciliation",
				"order_id", order.ID, "user_id", order.UserID, "credits", pkg.BonusCredits, "error", err)
			return nil, fmt.Errorf("grant bonus credits: %w", err)
		}
	}
	return order, nil
}

// WebhookPayload is the parsed gateway push. Its fields are treated as a
// hint to re-verify, not as ground truth.
type WebhookPayload struct {
	EventType         string `json:"event_type"`
	ExternalPaymentID string `json:"payment_id"`
	MerchantRef       string `json:"merchant_ref"`
}

// HandleWebhook deduplicates the delivery, then runs the shared verify
// procedure. Both "processed now" (nil) and "processed before"
// (ErrAlreadyProcessed) are success outcomes for the gateway.
func (s *Service) HandleWebhook(ctx context.Context, payload WebhookPayload) error {
	if payload.ExternalPaymentID == "" || payload.MerchantRef == "" {
		return fmt.Errorf("%w: missing payment_id or merchant_ref", ErrPaymentMismatch)
	}

	// The delivery is recorded before any processing; processed_at flips only
	// once verification completes, so a retryable failure (gateway not paid
	// yet) leaves the key open for the gateway's next attempt.
	key := models.WebhookIdempotencyKey(payload.ExternalPaymentID, payload.EventType)
	processed, recErr := s.orders.BeginWebhookEvent(ctx, key)
	if recErr != nil {
		// MarkPaid's status check still covers redelivery; losing the event
		// row is a bookkeeping gap only.
		s.log.Warn("failed to record webhook event", "key", key, "error", recErr)
	} else if processed {
		return ErrAlreadyProcessed
	}

	_, err := s.Verify(ctx, payload.MerchantRef, payload.ExternalPaymentID)
	if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		return err
	}
	if recErr == nil {
		if merr := s.orders.MarkWebhookEventProcessed(ctx, key); merr != nil {
			s.log.Warn("failed to mark webhook event processed", "key", key, "error", merr)
		}
	}
	if errors.Is(err, ErrAlreadyProcessed) {
		return ErrAlreadyProcessed
	}
	return nil
}
