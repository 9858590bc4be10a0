package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/agents"
	"github.com/clipsmith/backend/internal/credits"
	"github.com/clipsmith/backend/internal/models"
	"github.com/clipsmith/backend/internal/usage"
)

// DefaultRunTimeout is the hard wall-clock deadline for a single run.
const DefaultRunTimeout = 2 * time.Minute

// errRunCancelled marks a caller-initiated cancellation, as opposed to the
// deadline firing.
var errRunCancelled = errors.New("run cancelled by caller")

// CreditService is the subset of the credit service the manager drives.
type CreditService interface {
	Reserve(ctx context.Context, userID uuid.UUID, amount int64, runID uuid.UUID) (models.Balance, error)
	Settle(ctx context.Context, userID uuid.UUID, reservedAmount, actualAmount int64, runID uuid.UUID) (models.Balance, error)
	OpenReservation(ctx context.Context, runID uuid.UUID) (int64, error)
}

// RunStore is the run persistence the manager needs.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.AgentRun, error)
	MarkRunning(ctx context.Context, id uuid.UUID, creditsReserved int64, startedAt time.Time) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status string, creditsActual int64, output []byte, errMsg *string) (bool, error)
}

// FlushFunc enqueues a usage flush job. Typically a closure over
// river.Client.Insert, provided by main.
type FlushFunc func(ctx context.Context, args usage.FlushJobArgs) error

// Manager drives a run through validate -> reserve -> execute -> settle ->
// persist. It performs no retries of its own: validation and
// insufficient-credit failures are terminal, and execution errors fail the
// run for the caller to resubmit.
type Manager struct {
	Credits  CreditService
	Runs     RunStore
	Registry *agents.Registry
	Flush    FlushFunc
	Progress *Broker
	Logger   *slog.Logger
	Timeout  time.Duration

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelCauseFunc
}

func NewManager(creditSvc CreditService, runs RunStore, registry *agents.Registry, flush FlushFunc, progress *Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Credits:  creditSvc,
		Runs:     runs,
		Registry: registry,
		Flush:    flush,
		Progress: progress,
		Logger:   logger,
		Timeout:  DefaultRunTimeout,
		cancels:  make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Execute drives one run to a terminal state. It is safe under at-least-once
// delivery: terminal runs are skipped, and a duplicate in-flight delivery
// releases its own reservation and backs off.
func (m *Manager) Execute(ctx context.Context, runID uuid.UUID) error {
	run, err := m.Runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if models.RunStatusTerminal(run.Status) {
		m.Logger.Info("skipping redelivered terminal run", "run_id", runID, "status", run.Status)
		return nil
	}
	if run.Status == models.RunStatusRunning {
		// Crash recovery: a previous attempt reserved credits and died
		// mid-execution. Release the hold; whatever usage it incurred was
		// never summed, so it stands uncharged.
		m.Logger.Warn("recovering interrupted run, releasing reservation",
			"run_id", runID, "reserved", run.CreditsReserved)
		if _, err := m.Credits.Settle(ctx, run.UserID, run.CreditsReserved, 0, runID); err != nil {
			return fmt.Errorf("release interrupted reservation: %w", err)
		}
		m.finish(ctx, run, models.RunStatusFailed, 0, nil, strPtr("execution interrupted"))
		return nil
	}

	def, err := m.Registry.Get(run.AgentKind)
	if err != nil {
		m.finish(ctx, run, models.RunStatusFailed, 0, nil, strPtr(err.Error()))
		return nil
	}

	// Validate. Structural failures are terminal immediately; no
	// reservation is attempted and every failing field is surfaced.
	if err := def.ValidateParams(run.Params); err != nil {
		if _, ok := agents.AsValidationError(err); ok {
			m.finish(ctx, run, models.RunStatusFailed, 0, nil, strPtr(err.Error()))
			return nil
		}
		return fmt.Errorf("validate run %s: %w", runID, err)
	}

	// Reserve the worst-case cost. A denial is a terminal business outcome,
	// never retried; execution must not start. An earlier delivery may have
	// reserved and then died before the queued->running write committed; its
	// hold is still open in the ledger and is reused, never stacked.
	reserved := def.MaxCostEstimate
	held, err := m.Credits.OpenReservation(ctx, runID)
	if err != nil {
		return fmt.Errorf("check open reservation for run %s: %w", runID, err)
	}
	freshHold := held == 0
	if freshHold {
		if _, err := m.Credits.Reserve(ctx, run.UserID, reserved, runID); err != nil {
			if errors.Is(err, credits.ErrInsufficientCredits) {
				m.finish(ctx, run, models.RunStatusFailed, 0, nil,
					strPtr(fmt.Sprintf("insufficient credits: run requires up to %d", reserved)))
				return nil
			}
			return fmt.Errorf("reserve credits for run %s: %w", runID, err)
		}
	} else {
		m.Logger.Warn("reusing open reservation from interrupted delivery",
			"run_id", runID, "held", held)
		reserved = held
	}

	ok, err := m.Runs.MarkRunning(ctx, runID, reserved, time.Now().UTC())
	if err != nil {
		// The hold stays open; the redelivery finds and reuses it.
		return fmt.Errorf("mark run %s running: %w", runID, err)
	}
	if !ok {
		// A concurrent delivery won the queued->running transition. Only a
		// hold this attempt placed is released; a reused one is settled by
		// whichever attempt runs the work.
		if freshHold {
			m.Logger.Warn("duplicate delivery lost running transition, releasing reservation", "run_id", runID)
			_, serr := m.Credits.Settle(ctx, run.UserID, reserved, 0, runID)
			return serr
		}
		return nil
	}

	run.CreditsReserved = reserved
	output, rec, workErr := m.execute(ctx, run, def)
	m.finalize(ctx, run, rec, output, workErr)
	return nil
}

// execute runs the work function under the hard deadline with a registered
// cancel handle.
func (m *Manager) execute(ctx context.Context, run *models.AgentRun, def *agents.Definition) ([]byte, *usage.Recorder, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	deadlineCtx, cancelDeadline := context.WithTimeout(runCtx, timeout)
	defer cancelDeadline()

	m.mu.Lock()
	m.cancels[run.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, run.ID)
		m.mu.Unlock()
	}()

	emit := func(msg string) { m.Progress.Publish(run.ID, msg) }
	rec := usage.NewRecorder(run.ID)

	output, err := def.Work(deadlineCtx, run.Params, emit, rec)
	if err != nil && context.Cause(runCtx) == errRunCancelled {
		return output, rec, errRunCancelled
	}
	return output, rec, err
}

// finalize settles for actual usage and persists the terminal state.
// Settlement happens regardless of outcome: cost already incurred with
// external providers is billed even on failure or cancellation.
func (m *Manager) finalize(ctx context.Context, run *models.AgentRun, rec *usage.Recorder, output []byte, workErr error) {
	actual := rec.Total()
	entries := rec.Entries()

	if _, err := m.Credits.Settle(ctx, run.UserID, run.CreditsReserved, actual, run.ID); err != nil {
		// The work is done and the sunk cost is real; surface nothing to
		// the user and leave a reconciliation trail instead.
		m.Logger.Error("billing discrepancy: settlement failed after execution",
			"run_id", run.ID, "user_id", run.UserID,
			"reserved", run.CreditsReserved, "actual", actual, "error", err)
	}

	status, errMsg := terminalOutcome(output, workErr)
	m.finish(ctx, run, status, actual, output, errMsg)

	if len(entries) > 0 {
		if err := m.Flush(ctx, usage.FlushJobArgs{RunID: run.ID, UserID: run.UserID, Entries: entries}); err != nil {
			// Fire-and-forget from the run's perspective: the balance
			// effect already settled, only the audit rows are delayed.
			m.Logger.Warn("usage flush enqueue failed", "run_id", run.ID, "error", err)
		}
	}
	m.Progress.Close(run.ID)
}

// terminalOutcome maps the work function's result onto a terminal status.
// A deadline expiry ends in failed unless partial output was captured, in
// which case the run completes degraded.
func terminalOutcome(output []byte, workErr error) (string, *string) {
	switch {
	case workErr == nil:
		return models.RunStatusCompleted, nil
	case errors.Is(workErr, errRunCancelled):
		return models.RunStatusCancelled, strPtr("cancelled by caller")
	case errors.Is(workErr, context.DeadlineExceeded):
		if len(output) > 0 {
			return models.RunStatusCompleted, strPtr("deadline exceeded; partial output retained")
		}
		return models.RunStatusFailed, strPtr("deadline exceeded")
	default:
		return models.RunStatusFailed, strPtr(workErr.Error())
	}
}

func (m *Manager) finish(ctx context.Context, run *models.AgentRun, status string, actual int64, output []byte, errMsg *string) {
	ok, err := m.Runs.Finish(ctx, run.ID, status, actual, output, errMsg)
	if err != nil {
		m.Logger.Error("persist terminal run state", "run_id", run.ID, "status", status, "error", err)
		return
	}
	if !ok {
		m.Logger.Warn("run already terminal, keeping first outcome", "run_id", run.ID, "status", status)
		return
	}
	run.Status = status
}

// Cancel raises the cooperative cancellation signal for an in-flight run, or
// finishes a still-queued run directly.
func (m *Manager) Cancel(ctx context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	cancel, inFlight := m.cancels[runID]
	m.mu.Unlock()
	if inFlight {
		cancel(errRunCancelled)
		return nil
	}

	run, err := m.Runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if models.RunStatusTerminal(run.Status) {
		return nil
	}
	if run.Status == models.RunStatusQueued {
		// Nothing reserved yet; the queue delivery will see the terminal
		// state and skip.
		m.finish(ctx, run, models.RunStatusCancelled, 0, nil, strPtr("cancelled before start"))
		return nil
	}
	return fmt.Errorf("run %s is executing on another instance", runID)
}

func strPtr(s string) *string { return &s }
