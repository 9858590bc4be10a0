package execution

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// RunAgentJobArgs is the durable queue payload for one submitted run. Only
// the id travels; the run row is the source of truth for everything else.
type RunAgentJobArgs struct {
	RunID uuid.UUID `json:"run_id"`
}

func (RunAgentJobArgs) Kind() string { return "agent_run" }

// RunDriver is the contract the worker needs to drive a run to a terminal
// state. Implemented by the lifecycle manager.
type RunDriver interface {
	Execute(ctx context.Context, runID uuid.UUID) error
}

type RunAgentWorker struct {
	river.WorkerDefaults[RunAgentJobArgs]
	driver RunDriver
}

func NewRunAgentWorker(driver RunDriver) *RunAgentWorker {
	return &RunAgentWorker{driver: driver}
}

// Work lets infrastructure errors bubble so River retries; business
// failures are terminal run states the driver has already persisted.
func (w *RunAgentWorker) Work(ctx context.Context, job *river.Job[RunAgentJobArgs]) error {
	return w.driver.Execute(ctx, job.Args.RunID)
}
