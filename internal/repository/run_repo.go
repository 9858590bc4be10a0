package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipsmith/backend/internal/models"
)

type RunRepo struct {
	pool *pgxpool.Pool
}

func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// CreateTx inserts the run inside the given transaction so submission and the
// queue job insert commit atomically.
func (r *RunRepo) CreateTx(ctx context.Context, tx pgx.Tx, run *models.AgentRun) error {
	return tx.QueryRow(ctx, `
		INSERT INTO agent_runs (id, user_id, agent_kind, params, status, credits_reserved)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, run.ID, run.UserID, run.AgentKind, run.Params, run.Status, run.CreditsReserved).Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AgentRun, error) {
	var run models.AgentRun
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, agent_kind, params, status, credits_reserved, credits_actual,
		       output, error_message, started_at, completed_at, created_at, updated_at
		FROM agent_runs WHERE id = $1
	`, id).Scan(&run.ID, &run.UserID, &run.AgentKind, &run.Params, &run.Status, &run.CreditsReserved,
		&run.CreditsActual, &run.Output, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// MarkRunning transitions queued -> running and records the reservation.
// Returns false if the run was not in queued (e.g. a redelivered job).
func (r *RunRepo) MarkRunning(ctx context.Context, id uuid.UUID, creditsReserved int64, startedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, credits_reserved = $3, started_at = $4, updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, models.RunStatusRunning, creditsReserved, startedAt, models.RunStatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Finish moves the run into a terminal state. The WHERE clause excludes
// terminal states so a run can never transition out of one; returns false
// when the run was already terminal.
func (r *RunRepo) Finish(ctx context.Context, id uuid.UUID, status string, creditsActual int64, output []byte, errMsg *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, credits_actual = $3, output = $4, error_message = $5,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ($6, $7, $8)
	`, id, status, creditsActual, output, errMsg,
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RunRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AgentRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, agent_kind, params, status, credits_reserved, credits_actual,
		       output, error_message, started_at, completed_at, created_at, updated_at
		FROM agent_runs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.AgentRun
	for rows.Next() {
		var run models.AgentRun
		if err := rows.Scan(&run.ID, &run.UserID, &run.AgentKind, &run.Params, &run.Status, &run.CreditsReserved,
			&run.CreditsActual, &run.Output, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &run)
	}
	if list == nil {
		list = []*models.AgentRun{}
	}
	return list, rows.Err()
}
