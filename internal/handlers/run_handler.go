package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clipsmith/backend/internal/agents"
	"github.com/clipsmith/backend/internal/execution"
	"github.com/clipsmith/backend/internal/lifecycle"
	"github.com/clipsmith/backend/internal/middleware"
	"github.com/clipsmith/backend/internal/models"
)

// RunRepoForHandler is the subset of the run repository needed here.
type RunRepoForHandler interface {
	CreateTx(ctx context.Context, tx pgx.Tx, run *models.AgentRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AgentRun, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AgentRun, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EnqueueRunFunc inserts the execution job inside the submission transaction
// so the run row and its job commit atomically.
type EnqueueRunFunc func(ctx context.Context, tx pgx.Tx, args execution.RunAgentJobArgs) error

// RunCanceller is the lifecycle operation behind the cancel endpoint.
type RunCanceller interface {
	Cancel(ctx context.Context, runID uuid.UUID) error
}

// RunHandler serves /v1/runs endpoints.
type RunHandler struct {
	Pool      TxBeginner
	Runs      RunRepoForHandler
	Registry  *agents.Registry
	Enqueue   EnqueueRunFunc
	Canceller RunCanceller
	Progress  *lifecycle.Broker
	Logger    *slog.Logger
}

// --- POST /v1/runs ---

type createRunRequest struct {
	AgentKind string          `json:"agent_kind"`
	Params    json.RawMessage `json:"params"`
}

type createRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CreateRun handles POST /v1/runs.
// The handler only gates on things the client got structurally wrong
// (unknown kind, malformed JSON); parameter schema violations and credit
// shortfalls surface asynchronously as a failed run.
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if _, err := h.Registry.Get(req.AgentKind); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown agent_kind %q, available: %s", req.AgentKind, strings.Join(h.Registry.Kinds(), ", ")),
		})
		return
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage(`{}`)
	}

	run := &models.AgentRun{
		ID:        uuid.New(),
		UserID:    acc.ID,
		AgentKind: req.AgentKind,
		Params:    req.Params,
		Status:    models.RunStatusQueued,
	}

	// Run row and queue job commit together; a crash between the two can
	// never leave an orphaned run or a job with no run.
	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	if err := h.Runs.CreateTx(r.Context(), tx, run); err != nil {
		h.Logger.Error("create run", "error", err)
		http.Error(w, `{"error":"failed to create run"}`, http.StatusInternalServerError)
		return
	}
	if err := h.Enqueue(r.Context(), tx, execution.RunAgentJobArgs{RunID: run.ID}); err != nil {
		h.Logger.Error("enqueue run job", "run_id", run.ID, "error", err)
		http.Error(w, `{"error":"failed to enqueue run"}`, http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, createRunResponse{
		RunID:  run.ID.String(),
		Status: run.Status,
	})
}

// --- GET /v1/runs/{id} ---

func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- GET /v1/runs ---

func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	runs, err := h.Runs.ListByUserID(r.Context(), acc.ID, 50)
	if err != nil {
		h.Logger.Error("list runs", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- POST /v1/runs/{id}/cancel ---

func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}
	if err := h.Canceller.Cancel(r.Context(), run.ID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": run.ID.String(), "status": "cancelling"})
}

// --- GET /v1/runs/{id}/events ---

// StreamEvents serves run progress over SSE. The stream ends when the run
// reaches a terminal state (the broker closes its channels) or the client
// disconnects.
func (h *RunHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := h.Progress.Subscribe(run.ID)
	defer cancel()

	// The terminal check happens after subscribing: a run that finished just
	// before the subscription will never publish or close again, so checking
	// first would leave this stream hanging.
	latest, err := h.Runs.GetByID(r.Context(), run.ID)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if models.RunStatusTerminal(latest.Status) {
		writeSSE(w, lifecycle.Event{RunID: run.ID, Message: "run already " + latest.Status, At: time.Now().UTC()})
		flusher.Flush()
		return
	}

	writeSSE(w, lifecycle.Event{RunID: run.ID, Message: "subscribed", At: time.Now().UTC()})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev lifecycle.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// --- GET /v1/agents ---

type agentInfo struct {
	Kind            string `json:"kind"`
	MaxCostEstimate int64  `json:"max_cost_estimate"`
}

// ListAgents handles GET /v1/agents (public, no auth).
func (h *RunHandler) ListAgents(w http.ResponseWriter, _ *http.Request) {
	kinds := h.Registry.Kinds()
	out := make([]agentInfo, 0, len(kinds))
	for _, kind := range kinds {
		def, err := h.Registry.Get(kind)
		if err != nil {
			continue
		}
		out = append(out, agentInfo{Kind: def.Kind, MaxCostEstimate: def.MaxCostEstimate})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

// ownedRun parses {id}, loads the run, and enforces ownership. A run that
// belongs to someone else reads as not found.
func (h *RunHandler) ownedRun(w http.ResponseWriter, r *http.Request) (*models.AgentRun, bool) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid run id"}`, http.StatusBadRequest)
		return nil, false
	}
	run, err := h.Runs.GetByID(r.Context(), runID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			h.Logger.Error("get run", "run_id", runID, "error", err)
		}
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return nil, false
	}
	if run.UserID != acc.ID {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return nil, false
	}
	return run, true
}
