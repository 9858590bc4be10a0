package models

import (
	"time"

	"github.com/google/uuid"
)

// Usage resource_type enums.
const (
	UsageResourceLLMTokens = "llm_tokens"
	UsageResourceImageGen  = "image_generation"
	UsageResourceAPICall   = "api_call"
	UsageResourceStorage   = "storage"
)

// UsageEntry is one billable sub-operation inside a run. Entries are created
// during execution, flushed once into the transaction log, and immutable
// after. The entry ID is the idempotency key for the flush consumer.
type UsageEntry struct {
	ID           uuid.UUID `json:"id"`
	RunID        uuid.UUID `json:"run_id"`
	ResourceType string    `json:"resource_type"`
	Quantity     int64     `json:"quantity"`
	CreditCost   int64     `json:"credit_cost"`
	CreatedAt    time.Time `json:"created_at"`
}
