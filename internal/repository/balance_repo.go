package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipsmith/backend/internal/models"
)

type BalanceRepo struct {
	pool *pgxpool.Pool
}

func NewBalanceRepo(pool *pgxpool.Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

// Get returns the balance row for the user, or a zero-valued row if the user
// has no ledger history yet (lazy init happens on first grant).
func (r *BalanceRepo) Get(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, total, used, reserved, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Total, &b.Used, &b.Reserved, &b.UpdatedAt)
	if err == pgx.ErrNoRows {
		return models.Balance{UserID: userID}, nil
	}
	if err != nil {
		return models.Balance{}, err
	}
	return b, nil
}

// GrantTx adds amount to total, creating the row on first grant.
func (r *BalanceRepo) GrantTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (models.Balance, error) {
	var b models.Balance
	err := tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, total, used, reserved)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id) DO UPDATE
		SET total = balances.total + EXCLUDED.total, updated_at = now()
		RETURNING user_id, total, used, reserved, updated_at
	`, userID, amount).Scan(&b.UserID, &b.Total, &b.Used, &b.Reserved, &b.UpdatedAt)
	return b, err
}

// ReserveTx atomically increments reserved only if available >= amount.
// Returns pgx.ErrNoRows when the condition fails; no mutation happens in that
// case. This conditional update is the store-level consistency gate backing
// the per-user actor.
func (r *BalanceRepo) ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (models.Balance, error) {
	var b models.Balance
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET reserved = reserved + $1, updated_at = now()
		WHERE user_id = $2 AND total - used - reserved >= $1
		RETURNING user_id, total, used, reserved, updated_at
	`, amount, userID).Scan(&b.UserID, &b.Total, &b.Used, &b.Reserved, &b.UpdatedAt)
	return b, err
}

// SettleTx releases reservedAmount from reserved and moves charge into used.
func (r *BalanceRepo) SettleTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, reservedAmount, charge int64) (models.Balance, error) {
	var b models.Balance
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET reserved = reserved - $1, used = used + $2, updated_at = now()
		WHERE user_id = $3
		RETURNING user_id, total, used, reserved, updated_at
	`, reservedAmount, charge, userID).Scan(&b.UserID, &b.Total, &b.Used, &b.Reserved, &b.UpdatedAt)
	return b, err
}

// RefundTx removes amount from total. The caller caps amount so the row's
// invariant total - used - reserved >= 0 is preserved.
func (r *BalanceRepo) RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (models.Balance, error) {
	var b models.Balance
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET total = total - $1, updated_at = now()
		WHERE user_id = $2
		RETURNING user_id, total, used, reserved, updated_at
	`, amount, userID).Scan(&b.UserID, &b.Total, &b.Used, &b.Reserved, &b.UpdatedAt)
	return b, err
}
