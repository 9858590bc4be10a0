package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipsmith/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// CreateTx appends a ledger entry inside the given transaction.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, tx_type, amount, balance_after, run_id, payment_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, t.ID, t.UserID, t.TxType, t.Amount, t.BalanceAfter, t.RunID, t.PaymentID, t.Description).Scan(&t.CreatedAt)
}

// InsertUsage appends a usage entry to the log, keyed by the entry id so
// queue redelivery cannot double-count. The balance_after snapshot is read in
// the same statement; usage rows are audit data, the balance effect already
// happened at settlement. Returns true if a row was inserted.
func (r *TransactionRepo) InsertUsage(ctx context.Context, e *models.UsageEntry, userID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO transactions (id, user_id, tx_type, amount, balance_after, run_id, description)
		SELECT $1, $2, $3, $4, COALESCE(b.total - b.used - b.reserved, 0), $5, $6
		FROM (SELECT 1) one
		LEFT JOIN balances b ON b.user_id = $2
		ON CONFLICT (id) DO NOTHING
	`, e.ID, userID, models.TxTypeUsage, -e.CreditCost, e.RunID, e.ResourceType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// OpenReservation returns the amount a run still holds: the run's reservation
// entry with no settlement entry releasing it. Zero when nothing is held.
// Reservation entries record the hold as a negative amount.
func (r *TransactionRepo) OpenReservation(ctx context.Context, runID uuid.UUID) (int64, error) {
	var held int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(-amount), 0)
		FROM transactions
		WHERE run_id = $1 AND tx_type = $2
		  AND NOT EXISTS (
			SELECT 1 FROM transactions WHERE run_id = $1 AND tx_type = $3
		  )
	`, runID, models.TxTypeReservation, models.TxTypeSettlement).Scan(&held)
	if err != nil {
		return 0, err
	}
	return held, nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, tx_type, amount, balance_after, run_id, payment_id, description, created_at
		FROM transactions WHERE id = $1
	`, id).Scan(&t.ID, &t.UserID, &t.TxType, &t.Amount, &t.BalanceAfter, &t.RunID, &t.PaymentID, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, tx_type, amount, balance_after, run_id, payment_id, description, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.TxType, &t.Amount, &t.BalanceAfter, &t.RunID, &t.PaymentID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	return list, rows.Err()
}

func (r *TransactionRepo) ListByRunID(ctx context.Context, runID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, tx_type, amount, balance_after, run_id, payment_id, description, created_at
		FROM transactions WHERE run_id = $1 ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.TxType, &t.Amount, &t.BalanceAfter, &t.RunID, &t.PaymentID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
