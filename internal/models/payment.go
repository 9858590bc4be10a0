package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment order status enums. An order transitions to paid exactly once.
const (
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusRefunded = "refunded"
	OrderStatusFailed   = "failed"
)

// PaymentOrder is created when checkout starts. MerchantRef is the reference
// the gateway echoes back; ExternalPaymentID is set once the gateway confirms.
type PaymentOrder struct {
	ID                uuid.UUID  `json:"id"`
	MerchantRef       string     `json:"merchant_ref"`
	UserID            uuid.UUID  `json:"user_id"`
	PackageCode       string     `json:"package_code"`
	AmountCents       int64      `json:"amount_cents"`
	Status            string     `json:"status"`
	ExternalPaymentID *string    `json:"external_payment_id,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// WebhookEvent deduplicates at-least-once gateway deliveries. The key is
// derived from the external payment id plus the event type.
type WebhookEvent struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// WebhookIdempotencyKey builds the dedup key for a gateway event.
func WebhookIdempotencyKey(externalPaymentID, eventType string) string {
	return externalPaymentID + ":" + eventType
}

// CreditPackage is one purchasable credit bundle. Base and bonus credits are
// granted as two separate transactions so admin tooling can tell them apart.
type CreditPackage struct {
	Code         string `json:"code"`
	BaseCredits  int64  `json:"base_credits"`
	BonusCredits int64  `json:"bonus_credits"`
	PriceCents   int64  `json:"price_cents"`
}
