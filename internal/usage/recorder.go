package usage

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/models"
)

// Recorder accumulates billable events for a single run during execution.
// It is scoped to one run and safe for concurrent sub-calls inside the work
// function. Entries are immutable once recorded.
type Recorder struct {
	runID uuid.UUID

	mu      sync.Mutex
	entries []models.UsageEntry
}

func NewRecorder(runID uuid.UUID) *Recorder {
	return &Recorder{runID: runID}
}

// Record appends one billable sub-operation.
func (r *Recorder) Record(resourceType string, quantity, creditCost int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, models.UsageEntry{
		ID:           uuid.New(),
		RunID:        r.runID,
		ResourceType: resourceType,
		Quantity:     quantity,
		CreditCost:   creditCost,
		CreatedAt:    time.Now().UTC(),
	})
}

// Total returns the summed credit cost of everything recorded so far. This
// in-memory sum is what settlement bills; persistence of the individual rows
// happens asynchronously.
func (r *Recorder) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, e := range r.entries {
		sum += e.CreditCost
	}
	return sum
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []models.UsageEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.UsageEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
