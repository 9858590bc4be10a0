package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipsmith/backend/internal/models"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

func (r *PaymentRepo) CreateOrder(ctx context.Context, o *models.PaymentOrder) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payment_orders (id, merchant_ref, user_id, package_code, amount_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, o.ID, o.MerchantRef, o.UserID, o.PackageCode, o.AmountCents, o.Status).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *PaymentRepo) GetByMerchantRef(ctx context.Context, merchantRef string) (*models.PaymentOrder, error) {
	return r.scanOrder(r.pool.QueryRow(ctx, `
		SELECT id, merchant_ref, user_id, package_code, amount_cents, status, external_payment_id, paid_at, created_at, updated_at
		FROM payment_orders WHERE merchant_ref = $1
	`, merchantRef))
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentOrder, error) {
	return r.scanOrder(r.pool.QueryRow(ctx, `
		SELECT id, merchant_ref, user_id, package_code, amount_cents, status, external_payment_id, paid_at, created_at, updated_at
		FROM payment_orders WHERE id = $1
	`, id))
}

func (r *PaymentRepo) scanOrder(row pgx.Row) (*models.PaymentOrder, error) {
	var o models.PaymentOrder
	err := row.Scan(&o.ID, &o.MerchantRef, &o.UserID, &o.PackageCode, &o.AmountCents, &o.Status,
		&o.ExternalPaymentID, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// MarkPaid transitions pending -> paid exactly once. Returns false when the
// order was already out of pending; two racing confirmations both pass
// verification but only one flips the row and grants credits.
func (r *PaymentRepo) MarkPaid(ctx context.Context, id uuid.UUID, externalPaymentID string, paidAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_orders
		SET status = $2, external_payment_id = $3, paid_at = $4, updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, models.OrderStatusPaid, externalPaymentID, paidAt, models.OrderStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// BeginWebhookEvent records the delivery's idempotency key on first sight and
// reports whether an earlier delivery already finished processing. The no-op
// DO UPDATE makes the statement return the row on conflict too.
func (r *PaymentRepo) BeginWebhookEvent(ctx context.Context, idempotencyKey string) (bool, error) {
	var processed bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (idempotency_key)
		VALUES ($1)
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = excluded.idempotency_key
		RETURNING processed_at IS NOT NULL
	`, idempotencyKey).Scan(&processed)
	if err != nil {
		return false, err
	}
	return processed, nil
}

// MarkWebhookEventProcessed stamps the delivery as fully handled, so later
// deliveries of the same key short-circuit in BeginWebhookEvent.
func (r *PaymentRepo) MarkWebhookEventProcessed(ctx context.Context, idempotencyKey string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events SET processed_at = now() WHERE idempotency_key = $1
	`, idempotencyKey)
	return err
}
