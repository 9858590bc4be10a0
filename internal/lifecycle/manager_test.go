package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/agents"
	"github.com/clipsmith/backend/internal/credits"
	"github.com/clipsmith/backend/internal/models"
	"github.com/clipsmith/backend/internal/usage"
)

// ---------------------------------------------------------------------------
// Mocks: credit service, run store, provider clients.
// ---------------------------------------------------------------------------

type creditCall struct {
	op     string
	amount int64
	actual int64
}

type mockCredits struct {
	mu         sync.Mutex
	calls      []creditCall
	holds      map[uuid.UUID]int64
	reserveErr error
	settleErr  error
}

func (m *mockCredits) Reserve(_ context.Context, _ uuid.UUID, amount int64, runID uuid.UUID) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserveErr != nil {
		return models.Balance{}, m.reserveErr
	}
	if m.holds == nil {
		m.holds = make(map[uuid.UUID]int64)
	}
	m.holds[runID] = amount
	m.calls = append(m.calls, creditCall{op: "reserve", amount: amount})
	return models.Balance{}, nil
}

func (m *mockCredits) Settle(_ context.Context, _ uuid.UUID, reservedAmount, actualAmount int64, runID uuid.UUID) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return models.Balance{}, m.settleErr
	}
	delete(m.holds, runID)
	m.calls = append(m.calls, creditCall{op: "settle", amount: reservedAmount, actual: actualAmount})
	return models.Balance{}, nil
}

func (m *mockCredits) OpenReservation(_ context.Context, runID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holds[runID], nil
}

func (m *mockCredits) callsOf(op string) []creditCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []creditCall
	for _, c := range m.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type mockRuns struct {
	mu             sync.Mutex
	runs           map[uuid.UUID]*models.AgentRun
	refuseRunning  bool
	markRunningErr error
	finishedStatus string
	finishedErrMsg *string
	finishedActual int64
	finishedOutput []byte
}

func newMockRuns(runs ...*models.AgentRun) *mockRuns {
	m := &mockRuns{runs: make(map[uuid.UUID]*models.AgentRun)}
	for _, r := range runs {
		cp := *r
		m.runs[r.ID] = &cp
	}
	return m
}

func (m *mockRuns) GetByID(_ context.Context, id uuid.UUID) (*models.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	cp := *r
	return &cp, nil
}

func (m *mockRuns) MarkRunning(_ context.Context, id uuid.UUID, creditsReserved int64, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markRunningErr != nil {
		err := m.markRunningErr
		m.markRunningErr = nil
		return false, err
	}
	if m.refuseRunning {
		return false, nil
	}
	r := m.runs[id]
	if r.Status != models.RunStatusQueued {
		return false, nil
	}
	r.Status = models.RunStatusRunning
	r.CreditsReserved = creditsReserved
	return true, nil
}

func (m *mockRuns) Finish(_ context.Context, id uuid.UUID, status string, creditsActual int64, output []byte, errMsg *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	if models.RunStatusTerminal(r.Status) {
		return false, nil
	}
	r.Status = status
	m.finishedStatus = status
	m.finishedErrMsg = errMsg
	m.finishedActual = creditsActual
	m.finishedOutput = output
	return true, nil
}

func (m *mockRuns) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id].Status
}

// stubLLM answers with a fixed cost per call. delay simulates provider
// latency; blockAfter > 0 makes every call past that index hang until ctx is
// done.
type stubLLM struct {
	mu         sync.Mutex
	calls      int
	cost       int64
	delay      time.Duration
	blockAfter int
}

func (s *stubLLM) Complete(ctx context.Context, _ string) (*agents.Completion, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.blockAfter > 0 && call > s.blockAfter {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &agents.Completion{Text: "stub output", TokensUsed: 100, CostUnits: s.cost}, nil
}

type stubImage struct {
	cost int64
}

func (s *stubImage) Render(_ context.Context, _, aspectRatio string) (*agents.Render, error) {
	return &agents.Render{URL: "https://img.example/thumb.png", CostUnits: s.cost}, nil
}

type flushCapture struct {
	mu   sync.Mutex
	args []usage.FlushJobArgs
}

func (f *flushCapture) flush(_ context.Context, args usage.FlushJobArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, args)
	return nil
}

func newTestManager(llm *stubLLM, creditSvc *mockCredits, runs *mockRuns, flush *flushCapture) *Manager {
	registry := agents.NewRegistry(agents.Clients{LLM: llm, Image: &stubImage{cost: 20}})
	return NewManager(creditSvc, runs, registry, flush.flush, NewBroker(), nil)
}

func queuedRun(kind string, params string) *models.AgentRun {
	return &models.AgentRun{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		AgentKind: kind,
		Params:    json.RawMessage(params),
		Status:    models.RunStatusQueued,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestExecuteHappyPath(t *testing.T) {
	llm := &stubLLM{cost: 7}
	creditSvc := &mockCredits{}
	flush := &flushCapture{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"how to edit faster"}`)
	runs := newMockRuns(run)
	m := newTestManager(llm, creditSvc, runs, flush)

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := runs.status(run.ID); got != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", got, strOrNil(runs.finishedErrMsg))
	}
	// Default variant count is 3 calls at 7 each.
	if runs.finishedActual != 21 {
		t.Errorf("expected actual cost 21, got %d", runs.finishedActual)
	}
	reserves := creditSvc.callsOf("reserve")
	if len(reserves) != 1 || reserves[0].amount != 30 {
		t.Errorf("expected one reserve of 30, got %+v", reserves)
	}
	settles := creditSvc.callsOf("settle")
	if len(settles) != 1 || settles[0].amount != 30 || settles[0].actual != 21 {
		t.Errorf("expected settle(30, 21), got %+v", settles)
	}
	if len(flush.args) != 1 || len(flush.args[0].Entries) != 3 {
		t.Errorf("expected one flush with 3 usage entries, got %+v", flush.args)
	}
	if !strings.Contains(string(runs.finishedOutput), "hooks") {
		t.Errorf("expected hooks in output, got %s", runs.finishedOutput)
	}
}

func TestExecuteInsufficientCreditsFailsRun(t *testing.T) {
	creditSvc := &mockCredits{reserveErr: credits.ErrInsufficientCredits}
	flush := &flushCapture{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"budget cuts"}`)
	runs := newMockRuns(run)
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, flush)

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute should absorb the denial, got %v", err)
	}
	if got := runs.status(run.ID); got != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if msg := strOrNil(runs.finishedErrMsg); !strings.Contains(msg, "insufficient credits") || !strings.Contains(msg, "30") {
		t.Errorf("expected actionable denial message, got %q", msg)
	}
	if settles := creditSvc.callsOf("settle"); len(settles) != 0 {
		t.Errorf("nothing was reserved, nothing to settle: %+v", settles)
	}
}

func TestExecuteValidationReportsAllFields(t *testing.T) {
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindScriptWriter, `{}`)
	runs := newMockRuns(run)
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, &flushCapture{})

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := runs.status(run.ID); got != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	msg := strOrNil(runs.finishedErrMsg)
	if !strings.Contains(msg, "topic") || !strings.Contains(msg, "duration_seconds") {
		t.Errorf("expected both missing fields reported, got %q", msg)
	}
	if len(creditSvc.calls) != 0 {
		t.Errorf("no credits may move on validation failure: %+v", creditSvc.calls)
	}
}

func TestExecuteSkipsTerminalRedelivery(t *testing.T) {
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"reruns"}`)
	run.Status = models.RunStatusCompleted
	runs := newMockRuns(run)
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, &flushCapture{})

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(creditSvc.calls) != 0 {
		t.Errorf("terminal redelivery must be a no-op, got %+v", creditSvc.calls)
	}
	if got := runs.status(run.ID); got != models.RunStatusCompleted {
		t.Errorf("terminal status changed to %s", got)
	}
}

func TestExecuteRecoversInterruptedRun(t *testing.T) {
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"crashes"}`)
	run.Status = models.RunStatusRunning
	run.CreditsReserved = 30
	runs := newMockRuns(run)
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, &flushCapture{})

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	settles := creditSvc.callsOf("settle")
	if len(settles) != 1 || settles[0].amount != 30 || settles[0].actual != 0 {
		t.Fatalf("expected reservation released via settle(30, 0), got %+v", settles)
	}
	if got := runs.status(run.ID); got != models.RunStatusFailed {
		t.Errorf("expected failed, got %s", got)
	}
	if msg := strOrNil(runs.finishedErrMsg); !strings.Contains(msg, "interrupted") {
		t.Errorf("expected interruption message, got %q", msg)
	}
}

func TestExecuteRedeliveryReusesOpenReservation(t *testing.T) {
	// The first delivery reserves, then the queued->running write fails
	// before committing. The redelivery must pick up the hold already open
	// in the ledger instead of stacking a second one.
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"retries"}`)
	runs := newMockRuns(run)
	runs.markRunningErr = errors.New("store offline")
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, &flushCapture{})

	if err := m.Execute(context.Background(), run.ID); err == nil {
		t.Fatal("expected the first delivery to surface the store error")
	}
	if got := runs.status(run.ID); got != models.RunStatusQueued {
		t.Fatalf("run must stay queued for the retry, got %s", got)
	}

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := runs.status(run.ID); got != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", got, strOrNil(runs.finishedErrMsg))
	}
	if reserves := creditSvc.callsOf("reserve"); len(reserves) != 1 {
		t.Fatalf("expected exactly one reservation across both deliveries, got %+v", reserves)
	}
	settles := creditSvc.callsOf("settle")
	if len(settles) != 1 || settles[0].amount != 30 || settles[0].actual != 21 {
		t.Errorf("expected one settle(30, 21), got %+v", settles)
	}
	if held, _ := creditSvc.OpenReservation(context.Background(), run.ID); held != 0 {
		t.Errorf("expected no hold left open, got %d", held)
	}
}

func TestExecuteDuplicateDeliveryReleasesOwnReservation(t *testing.T) {
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"duplicates"}`)
	runs := newMockRuns(run)
	runs.refuseRunning = true
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, &flushCapture{})

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	settles := creditSvc.callsOf("settle")
	if len(settles) != 1 || settles[0].amount != 30 || settles[0].actual != 0 {
		t.Errorf("losing attempt must release its reservation, got %+v", settles)
	}
}

func TestExecuteSettleFailureDoesNotFailRun(t *testing.T) {
	creditSvc := &mockCredits{settleErr: errors.New("ledger unavailable")}
	run := queuedRun(agents.KindHookWriter, `{"topic":"resilience"}`)
	runs := newMockRuns(run)
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, &flushCapture{})

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := runs.status(run.ID); got != models.RunStatusCompleted {
		t.Errorf("settlement failure must not fail finished work, got %s", got)
	}
}

func TestExecuteDeadlineKeepsPartialOutput(t *testing.T) {
	// The first provider call fits inside the deadline, the second cannot;
	// the script draft survives as degraded output.
	llm := &stubLLM{cost: 7, delay: 60 * time.Millisecond}
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindScriptWriter, `{"topic":"deadlines","duration_seconds":30}`)
	runs := newMockRuns(run)
	m := newTestManager(llm, creditSvc, runs, &flushCapture{})
	m.Timeout = 90 * time.Millisecond

	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := runs.status(run.ID); got != models.RunStatusCompleted {
		t.Fatalf("expected degraded completion, got %s (err=%v)", got, strOrNil(runs.finishedErrMsg))
	}
	if !strings.Contains(string(runs.finishedOutput), "script") {
		t.Errorf("expected partial script output, got %s", runs.finishedOutput)
	}
	if msg := strOrNil(runs.finishedErrMsg); !strings.Contains(msg, "partial") {
		t.Errorf("expected degraded marker, got %q", msg)
	}
	// Only the draft call was billed.
	settles := creditSvc.callsOf("settle")
	if len(settles) != 1 || settles[0].actual != 7 {
		t.Errorf("expected settle for the single completed call, got %+v", settles)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"never mind"}`)
	runs := newMockRuns(run)
	m := newTestManager(&stubLLM{cost: 7}, creditSvc, runs, &flushCapture{})

	if err := m.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := runs.status(run.ID); got != models.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if len(creditSvc.calls) != 0 {
		t.Errorf("queued run holds no reservation, got %+v", creditSvc.calls)
	}

	// Cancelling again (or a late queue delivery) is a no-op.
	if err := m.Cancel(context.Background(), run.ID); err != nil {
		t.Errorf("second cancel: %v", err)
	}
	if err := m.Execute(context.Background(), run.ID); err != nil {
		t.Errorf("delivery after cancel: %v", err)
	}
}

func TestCancelInFlightSettlesRecordedUsage(t *testing.T) {
	llm := &stubLLM{cost: 7, blockAfter: 1}
	creditSvc := &mockCredits{}
	run := queuedRun(agents.KindHookWriter, `{"topic":"halt"}`)
	runs := newMockRuns(run)
	m := newTestManager(llm, creditSvc, runs, &flushCapture{})

	done := make(chan error, 1)
	go func() { done <- m.Execute(context.Background(), run.ID) }()

	// Wait for the run to be in flight (first call finished, second blocked).
	deadline := time.After(2 * time.Second)
	for {
		llm.mu.Lock()
		calls := llm.calls
		llm.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never reached the blocking call")
		case <-time.After(time.Millisecond):
		}
	}

	if err := m.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := runs.status(run.ID); got != models.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	// The hook completed before cancellation is still billed.
	settles := creditSvc.callsOf("settle")
	if len(settles) != 1 || settles[0].amount != 30 || settles[0].actual != 7 {
		t.Errorf("expected settle(30, 7) for pre-cancel usage, got %+v", settles)
	}
}

func strOrNil(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
