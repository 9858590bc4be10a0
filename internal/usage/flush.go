package usage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/clipsmith/backend/internal/models"
)

// FlushJobArgs carries a run's usage entries to the at-least-once flush
// consumer. The entries travel in the job payload so the flush does not
// depend on any in-memory state surviving a crash.
type FlushJobArgs struct {
	RunID   uuid.UUID           `json:"run_id"`
	UserID  uuid.UUID           `json:"user_id"`
	Entries []models.UsageEntry `json:"entries"`
}

func (FlushJobArgs) Kind() string { return "usage_flush" }

// EntryInserter is the idempotent transaction-log insert the worker needs.
type EntryInserter interface {
	InsertUsage(ctx context.Context, e *models.UsageEntry, userID uuid.UUID) (bool, error)
}

// FlushWorker persists usage entries into the transaction log. Inserts are
// keyed by entry id, so redelivery after a consumer crash cannot double-count
// in the audit trail; the balance effect already happened at settlement.
type FlushWorker struct {
	river.WorkerDefaults[FlushJobArgs]
	inserter EntryInserter
	log      *slog.Logger
}

func NewFlushWorker(inserter EntryInserter, log *slog.Logger) *FlushWorker {
	if log == nil {
		log = slog.Default()
	}
	return &FlushWorker{inserter: inserter, log: log}
}

func (w *FlushWorker) Work(ctx context.Context, job *river.Job[FlushJobArgs]) error {
	args := job.Args
	var inserted int
	for i := range args.Entries {
		e := &args.Entries[i]
		ok, err := w.inserter.InsertUsage(ctx, e, args.UserID)
		if err != nil {
			// Returning the error lets River retry the whole batch;
			// already-inserted entries are skipped by the id conflict.
			return fmt.Errorf("flush usage entry %s: %w", e.ID, err)
		}
		if ok {
			inserted++
		}
	}
	if inserted < len(args.Entries) {
		w.log.Debug("usage flush skipped redelivered entries",
			"run_id", args.RunID, "inserted", inserted, "total", len(args.Entries))
	}
	return nil
}
