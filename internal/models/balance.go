package models

import (
	"time"

	"github.com/google/uuid"
)

// Balance is the authoritative per-user credit row. Counters only grow or
// shrink through the credit service; available is always derived, never stored.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Total     int64     `json:"total"`
	Used      int64     `json:"used"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns total - used - reserved, the only figure callers should
// compare a cost against.
func (b Balance) Available() int64 {
	return b.Total - b.Used - b.Reserved
}
