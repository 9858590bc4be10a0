package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clipsmith/backend/internal/agents"
	"github.com/clipsmith/backend/internal/execution"
	"github.com/clipsmith/backend/internal/lifecycle"
	"github.com/clipsmith/backend/internal/middleware"
	"github.com/clipsmith/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- run repo mock ---

type mockRunRepo struct {
	runs    map[uuid.UUID]*models.AgentRun
	created []*models.AgentRun
	// flipTo, when set, moves a run to this status right after it is read
	// once, modelling a run that finishes between two loads.
	flipTo string
}

func newMockRunRepo(runs ...*models.AgentRun) *mockRunRepo {
	m := &mockRunRepo{runs: make(map[uuid.UUID]*models.AgentRun)}
	for _, r := range runs {
		m.runs[r.ID] = r
	}
	return m
}

func (m *mockRunRepo) CreateTx(_ context.Context, _ pgx.Tx, run *models.AgentRun) error {
	m.runs[run.ID] = run
	m.created = append(m.created, run)
	return nil
}

func (m *mockRunRepo) GetByID(_ context.Context, id uuid.UUID) (*models.AgentRun, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *r
	if m.flipTo != "" {
		r.Status = m.flipTo
		m.flipTo = ""
	}
	return &cp, nil
}

func (m *mockRunRepo) ListByUserID(_ context.Context, userID uuid.UUID, _ int) ([]*models.AgentRun, error) {
	var out []*models.AgentRun
	for _, r := range m.runs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- canceller mock ---

type mockCanceller struct {
	cancelled []uuid.UUID
	err       error
}

func (m *mockCanceller) Cancel(_ context.Context, runID uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	m.cancelled = append(m.cancelled, runID)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type handlerFixture struct {
	handler   *RunHandler
	repo      *mockRunRepo
	canceller *mockCanceller
	enqueued  []execution.RunAgentJobArgs
	account   *models.Account
}

func newFixture(runs ...*models.AgentRun) *handlerFixture {
	f := &handlerFixture{
		repo:      newMockRunRepo(runs...),
		canceller: &mockCanceller{},
		account:   &models.Account{ID: uuid.New(), Email: "creator@example.com"},
	}
	f.handler = &RunHandler{
		Pool:     mockPool{},
		Runs:     f.repo,
		Registry: agents.NewRegistry(agents.Clients{}),
		Enqueue: func(_ context.Context, _ pgx.Tx, args execution.RunAgentJobArgs) error {
			f.enqueued = append(f.enqueued, args)
			return nil
		},
		Canceller: f.canceller,
		Progress:  lifecycle.NewBroker(),
		Logger:    slog.Default(),
	}
	return f
}

func (f *handlerFixture) request(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	return req.WithContext(middleware.WithAccount(req.Context(), f.account))
}

func serveWithPattern(t *testing.T, pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCreateRunAccepted(t *testing.T) {
	f := newFixture()
	req := f.request(http.MethodPost, "/v1/runs", `{"agent_kind":"hook_writer","params":{"topic":"lighting"}}`)
	rec := httptest.NewRecorder()
	f.handler.CreateRun(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != models.RunStatusQueued {
		t.Errorf("expected queued, got %s", resp.Status)
	}
	if len(f.repo.created) != 1 {
		t.Fatalf("expected 1 run created, got %d", len(f.repo.created))
	}
	run := f.repo.created[0]
	if run.UserID != f.account.ID {
		t.Errorf("run not bound to caller: %s", run.UserID)
	}
	if len(f.enqueued) != 1 || f.enqueued[0].RunID != run.ID {
		t.Errorf("expected one enqueued job for the run, got %+v", f.enqueued)
	}
}

func TestCreateRunSchemaViolationStillAccepted(t *testing.T) {
	// Parameter schema failures surface asynchronously as a failed run; the
	// handler only rejects structural garbage.
	f := newFixture()
	req := f.request(http.MethodPost, "/v1/runs", `{"agent_kind":"hook_writer","params":{"tone":"sarcastic"}}`)
	rec := httptest.NewRecorder()
	f.handler.CreateRun(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.enqueued) != 1 {
		t.Errorf("expected job enqueued despite bad params, got %d", len(f.enqueued))
	}
}

func TestCreateRunRejectsUnknownKind(t *testing.T) {
	f := newFixture()
	req := f.request(http.MethodPost, "/v1/runs", `{"agent_kind":"ghost_writer","params":{}}`)
	rec := httptest.NewRecorder()
	f.handler.CreateRun(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	// The error names the available kinds.
	if body := rec.Body.String(); !strings.Contains(body, "hook_writer") {
		t.Errorf("expected catalogue in error, got %s", body)
	}
	if len(f.enqueued) != 0 {
		t.Errorf("nothing may be enqueued for an unknown kind")
	}
}

func TestCreateRunRejectsMalformedJSON(t *testing.T) {
	f := newFixture()
	req := f.request(http.MethodPost, "/v1/runs", `{"agent_kind": `)
	rec := httptest.NewRecorder()
	f.handler.CreateRun(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateRunUnauthorized(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"agent_kind":"hook_writer"}`))
	rec := httptest.NewRecorder()
	f.handler.CreateRun(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetRunOwnershipScoped(t *testing.T) {
	f := newFixture()
	mine := &models.AgentRun{ID: uuid.New(), UserID: f.account.ID, AgentKind: "hook_writer", Status: models.RunStatusQueued}
	theirs := &models.AgentRun{ID: uuid.New(), UserID: uuid.New(), AgentKind: "hook_writer", Status: models.RunStatusQueued}
	f.repo.runs[mine.ID] = mine
	f.repo.runs[theirs.ID] = theirs

	rec := serveWithPattern(t, "GET /v1/runs/{id}", f.handler.GetRun,
		f.request(http.MethodGet, "/v1/runs/"+mine.ID.String(), ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("own run: expected 200, got %d", rec.Code)
	}

	// Someone else's run reads as not found, not forbidden.
	rec = serveWithPattern(t, "GET /v1/runs/{id}", f.handler.GetRun,
		f.request(http.MethodGet, "/v1/runs/"+theirs.ID.String(), ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign run: expected 404, got %d", rec.Code)
	}

	rec = serveWithPattern(t, "GET /v1/runs/{id}", f.handler.GetRun,
		f.request(http.MethodGet, "/v1/runs/"+uuid.NewString(), ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run: expected 404, got %d", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture()
	run := &models.AgentRun{ID: uuid.New(), UserID: f.account.ID, AgentKind: "hook_writer", Status: models.RunStatusRunning}
	f.repo.runs[run.ID] = run

	rec := serveWithPattern(t, "POST /v1/runs/{id}/cancel", f.handler.CancelRun,
		f.request(http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.canceller.cancelled) != 1 || f.canceller.cancelled[0] != run.ID {
		t.Errorf("expected cancel forwarded, got %+v", f.canceller.cancelled)
	}
}

func TestCancelRunConflict(t *testing.T) {
	f := newFixture()
	f.canceller.err = errors.New("run is executing on another instance")
	run := &models.AgentRun{ID: uuid.New(), UserID: f.account.ID, AgentKind: "hook_writer", Status: models.RunStatusRunning}
	f.repo.runs[run.ID] = run

	rec := serveWithPattern(t, "POST /v1/runs/{id}/cancel", f.handler.CancelRun,
		f.request(http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", ""))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestStreamEventsEndsWhenRunFinishesBeforeSubscribe(t *testing.T) {
	f := newFixture()
	run := &models.AgentRun{ID: uuid.New(), UserID: f.account.ID, AgentKind: "hook_writer", Status: models.RunStatusRunning}
	f.repo.runs[run.ID] = run
	// The run finishes between the ownership load and the subscription. The
	// broker closed the topic before the subscriber existed, so no event and
	// no channel close will ever arrive; only the post-subscribe status check
	// can end the stream.
	f.repo.flipTo = models.RunStatusCompleted

	req := f.request(http.MethodGet, "/v1/runs/"+run.ID.String()+"/events", "")
	ctx, cancelCtx := context.WithTimeout(req.Context(), time.Second)
	defer cancelCtx()
	req = req.WithContext(ctx)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- serveWithPattern(t, "GET /v1/runs/{id}/events", f.handler.StreamEvents, req)
	}()

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "run already completed") {
			t.Errorf("expected terminal notice, got %q", rec.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream hung after the run had already finished")
	}
}

func TestListAgentsCatalogue(t *testing.T) {
	f := newFixture()
	rec := httptest.NewRecorder()
	f.handler.ListAgents(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out []agentInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 4 {
		t.Errorf("expected 4 kinds, got %d", len(out))
	}
	for _, info := range out {
		if info.MaxCostEstimate <= 0 {
			t.Errorf("%s: missing cost estimate", info.Kind)
		}
	}
}
