package credits

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/models"
)

// Grant reasons, mapped 1:1 onto transaction types.
const (
	GrantReasonPurchase = models.TxTypePurchase
	GrantReasonBonus    = models.TxTypeBonus
	GrantReasonTrial    = models.TxTypeTrial
)

var grantTxTypes = map[string]bool{
	GrantReasonPurchase: true,
	GrantReasonBonus:    true,
	GrantReasonTrial:    true,
}

// Service is the public credit operation set. Every mutation for a user is
// funneled through that user's consistency actor, which makes reserve's
// check-and-increment atomic without a global lock, and is written through to
// the ledger store before the caller is acknowledged.
type Service interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string, paymentID *uuid.UUID) (models.Balance, error)
	Reserve(ctx context.Context, userID uuid.UUID, amount int64, runID uuid.UUID) (models.Balance, error)
	Settle(ctx context.Context, userID uuid.UUID, reservedAmount, actualAmount int64, runID uuid.UUID) (models.Balance, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string) (models.Balance, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
	OpenReservation(ctx context.Context, runID uuid.UUID) (int64, error)
}

type service struct {
	sup   *Supervisor
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		sup:   NewSupervisor(store, log),
		store: store,
		log:   log,
	}
}

var _ Service = (*service)(nil)

// Shutdown drains the per-user actors. Pending acknowledged writes are
// already durable.
func (s *service) Shutdown() {
	s.sup.Shutdown()
}

func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string, paymentID *uuid.UUID) (models.Balance, error) {
	if amount <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}
	if !grantTxTypes[reason] {
		return models.Balance{}, fmt.Errorf("unknown grant reason %q", reason)
	}
	return s.sup.Do(ctx, userID, func(ctx context.Context, cur models.Balance) (models.Balance, error) {
		return s.store.Grant(ctx, userID, amount, reason, paymentID)
	})
}

func (s *service) Reserve(ctx context.Context, userID uuid.UUID, amount int64, runID uuid.UUID) (models.Balance, error) {
	if amount <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}
	return s.sup.Do(ctx, userID, func(ctx context.Context, cur models.Balance) (models.Balance, error) {
		// Actor-level gate: arrival order decides which concurrent
		// reservations fit. The store's conditional update below is the
		// fallback gate for a restarted actor racing a stale write.
		if cur.Available() < amount {
			return models.Balance{}, ErrInsufficientCredits
		}
		bal, err := s.store.Reserve(ctx, userID, amount, runID)
		if err != nil {
			return models.Balance{}, err
		}
		return bal, nil
	})
}

// Settle releases reservedAmount and charges actualAmount against used.
// It always succeeds on a warm ledger; overage beyond what the reservation
// plus remaining available can absorb is left uncharged and logged as a
// billing discrepancy rather than failing the already-finished work.
func (s *service) Settle(ctx context.Context, userID uuid.UUID, reservedAmount, actualAmount int64, runID uuid.UUID) (models.Balance, error) {
	if reservedAmount < 0 || actualAmount < 0 {
		return models.Balance{}, ErrInvalidAmount
	}
	return s.sup.Do(ctx, userID, func(ctx context.Context, cur models.Balance) (models.Balance, error) {
		release := reservedAmount
		if release > cur.Reserved {
			s.log.Warn("settlement exceeds held reservation, clamping",
				"user_id", userID, "run_id", runID,
				"reserved_amount", reservedAmount, "held", cur.Reserved)
			release = cur.Reserved
		}
		charge := actualAmount
		availAfterRelease := cur.Total - cur.Used - (cur.Reserved - release)
		if charge > availAfterRelease {
			// Deliberate leniency: the work already ran against external
			// providers, so the shortfall stands uncharged.
			s.log.Warn("billing shortfall: actual cost exceeds coverable credits",
				"user_id", userID, "run_id", runID,
				"actual", actualAmount, "coverable", availAfterRelease)
			charge = availAfterRelease
			if charge < 0 {
				charge = 0
			}
		}
		return s.store.Settle(ctx, userID, release, charge, runID)
	})
}

func (s *service) Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string) (models.Balance, error) {
	if amount <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}
	return s.sup.Do(ctx, userID, func(ctx context.Context, cur models.Balance) (models.Balance, error) {
		capped := amount
		if capped > cur.Available() {
			// Credits already consumed or held cannot be clawed back
			// without breaking the standing invariant.
			s.log.Warn("refund capped at available credits",
				"user_id", userID, "requested", amount, "available", cur.Available())
			capped = cur.Available()
		}
		if capped <= 0 {
			return cur, nil
		}
		return s.store.Refund(ctx, userID, capped, reason)
	})
}

// OpenReservation reports the amount a run still holds: its reservation entry
// minus any settlement releasing it. A plain ledger-log read, keyed by run
// rather than user, so it bypasses the actors.
func (s *service) OpenReservation(ctx context.Context, runID uuid.UUID) (int64, error) {
	return s.store.OpenReservation(ctx, runID)
}

// GetBalance serves from the actor's warm cache, falling back to (and
// warming from) the store on a cold actor.
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	return s.sup.Do(ctx, userID, func(ctx context.Context, cur models.Balance) (models.Balance, error) {
		return cur, nil
	})
}
