package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction tx_type enums. Amounts are signed: negative reduces available.
const (
	TxTypePurchase    = "purchase"
	TxTypeBonus       = "bonus"
	TxTypeTrial       = "trial"
	TxTypeRefund      = "refund"
	TxTypeReservation = "reservation"
	TxTypeSettlement  = "settlement"
	TxTypeUsage       = "usage"
)

// Transaction is one append-only ledger entry. Rows are immutable once
// written; the balances row must stay re-derivable by replaying them.
type Transaction struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	TxType       string     `json:"tx_type"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	RunID        *uuid.UUID `json:"run_id,omitempty"`
	PaymentID    *uuid.UUID `json:"payment_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
