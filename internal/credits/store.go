package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipsmith/backend/internal/models"
	"github.com/clipsmith/backend/internal/repository"
)

// Store persists a balance mutation together with its ledger entry in one
// atomic step. The pgx implementation is the durable source of truth the
// per-user actors write through to.
type Store interface {
	Load(ctx context.Context, userID uuid.UUID) (models.Balance, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int64, txType string, paymentID *uuid.UUID) (models.Balance, error)
	Reserve(ctx context.Context, userID uuid.UUID, amount int64, runID uuid.UUID) (models.Balance, error)
	Settle(ctx context.Context, userID uuid.UUID, reservedAmount, charge int64, runID uuid.UUID) (models.Balance, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string) (models.Balance, error)
	OpenReservation(ctx context.Context, runID uuid.UUID) (int64, error)
}

// LedgerStore is the Postgres Store: each mutation updates the balances row
// and appends the matching transactions entry inside a single database
// transaction, so the log and the counters cannot diverge on crash.
type LedgerStore struct {
	pool     *pgxpool.Pool
	balances *repository.BalanceRepo
	txns     *repository.TransactionRepo
}

func NewLedgerStore(pool *pgxpool.Pool, balances *repository.BalanceRepo, txns *repository.TransactionRepo) *LedgerStore {
	return &LedgerStore{pool: pool, balances: balances, txns: txns}
}

var _ Store = (*LedgerStore)(nil)

func (s *LedgerStore) Load(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	return s.balances.Get(ctx, userID)
}

func (s *LedgerStore) Grant(ctx context.Context, userID uuid.UUID, amount int64, txType string, paymentID *uuid.UUID) (models.Balance, error) {
	return s.apply(ctx, func(tx pgx.Tx) (models.Balance, *models.Transaction, error) {
		bal, err := s.balances.GrantTx(ctx, tx, userID, amount)
		if err != nil {
			return models.Balance{}, nil, fmt.Errorf("grant balance: %w", err)
		}
		return bal, &models.Transaction{
			ID:           uuid.New(),
			UserID:       userID,
			TxType:       txType,
			Amount:       amount,
			BalanceAfter: bal.Available(),
			PaymentID:    paymentID,
		}, nil
	})
}

func (s *LedgerStore) Reserve(ctx context.Context, userID uuid.UUID, amount int64, runID uuid.UUID) (models.Balance, error) {
	return s.apply(ctx, func(tx pgx.Tx) (models.Balance, *models.Transaction, error) {
		bal, err := s.balances.ReserveTx(ctx, tx, userID, amount)
		if errors.Is(err, pgx.ErrNoRows) {
			// Conditional update matched nothing: available < amount
			// (or the user has no ledger row at all).
			return models.Balance{}, nil, ErrInsufficientCredits
		}
		if err != nil {
			return models.Balance{}, nil, fmt.Errorf("reserve balance: %w", err)
		}
		return bal, &models.Transaction{
			ID:           uuid.New(),
			UserID:       userID,
			TxType:       models.TxTypeReservation,
			Amount:       -amount,
			BalanceAfter: bal.Available(),
			RunID:        &runID,
		}, nil
	})
}

func (s *LedgerStore) Settle(ctx context.Context, userID uuid.UUID, reservedAmount, charge int64, runID uuid.UUID) (models.Balance, error) {
	return s.apply(ctx, func(tx pgx.Tx) (models.Balance, *models.Transaction, error) {
		bal, err := s.balances.SettleTx(ctx, tx, userID, reservedAmount, charge)
		if err != nil {
			return models.Balance{}, nil, fmt.Errorf("settle balance: %w", err)
		}
		return bal, &models.Transaction{
			ID:           uuid.New(),
			UserID:       userID,
			TxType:       models.TxTypeSettlement,
			Amount:       reservedAmount - charge,
			BalanceAfter: bal.Available(),
			RunID:        &runID,
			Description:  fmt.Sprintf("reserved %d, charged %d", reservedAmount, charge),
		}, nil
	})
}

func (s *LedgerStore) Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string) (models.Balance, error) {
	return s.apply(ctx, func(tx pgx.Tx) (models.Balance, *models.Transaction, error) {
		bal, err := s.balances.RefundTx(ctx, tx, userID, amount)
		if err != nil {
			return models.Balance{}, nil, fmt.Errorf("refund balance: %w", err)
		}
		return bal, &models.Transaction{
			ID:           uuid.New(),
			UserID:       userID,
			TxType:       models.TxTypeRefund,
			Amount:       -amount,
			BalanceAfter: bal.Available(),
			Description:  reason,
		}, nil
	})
}

func (s *LedgerStore) OpenReservation(ctx context.Context, runID uuid.UUID) (int64, error) {
	return s.txns.OpenReservation(ctx, runID)
}

func (s *LedgerStore) apply(ctx context.Context, fn func(tx pgx.Tx) (models.Balance, *models.Transaction, error)) (models.Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Balance{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	bal, entry, err := fn(tx)
	if err != nil {
		return models.Balance{}, err
	}
	if err := s.txns.CreateTx(ctx, tx, entry); err != nil {
		return models.Balance{}, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Balance{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return bal, nil
}
