package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"promptwatch/internal/models"
)

// PostgresStore implements Store on top of the batch schema
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) CreateJob(ctx context.Context, orgID int64, window string) (*models.BatchJob, error) {
	var job models.BatchJob
	err := s.db.GetContext(ctx, &job, `
INSERT INTO batch.job (org_id, run_window)
VALUES ($1, $2)
RETURNING *`, orgID, window)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrJobExists
		}
		return nil, fmt.Errorf("could not create job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID int64) (*models.BatchJob, error) {
	var job models.BatchJob
	err := s.db.GetContext(ctx, &job, `SELECT * FROM batch.job WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("could not get job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) GetJobByWindow(ctx context.Context, orgID int64, window string) (*models.BatchJob, error) {
	var job models.BatchJob
	err := s.db.GetContext(ctx, &job, `
SELECT * FROM batch.job WHERE org_id = $1 AND run_window = $2`, orgID, window)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("could not get job by window: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.BatchJob, error) {
	query := `SELECT * FROM batch.job WHERE TRUE`
	var args []any
	if filter.OrgID != 0 {
		args = append(args, filter.OrgID)
		query += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Window != "" {
		args = append(args, filter.Window)
		query += fmt.Sprintf(" AND run_window = $%d", len(args))
	}
	query += ` ORDER BY id DESC`

	var jobs []*models.BatchJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("could not list jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) StaleJobs(ctx context.Context, staleAfter, minAge time.Duration) ([]*models.BatchJob, error) {
	var jobs []*models.BatchJob
	err := s.db.SelectContext(ctx, &jobs, `
SELECT *
FROM batch.job
WHERE status IN ('pending', 'processing')
  AND ((driver_last_ping IS NOT NULL AND driver_last_ping < NOW() - MAKE_INTERVAL(secs => $1))
    OR (driver_last_ping IS NULL AND created_at < NOW() - MAKE_INTERVAL(secs => $2)))
ORDER BY id`, staleAfter.Seconds(), minAge.Seconds())
	if err != nil {
		return nil, fmt.Errorf("could not scan for stale jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) FinalizeJob(ctx context.Context, jobID int64, status models.JobStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE batch.job
SET status        = $2,
    finished_at   = NOW(),
    driver_active = FALSE
WHERE id = $1
  AND status IN ('pending', 'processing')`, jobID, status)
	if err != nil {
		return fmt.Errorf("could not finalize job: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobFinalized
	}
	return nil
}

func (s *PostgresStore) ClaimDriver(ctx context.Context, jobID int64, driverID string, fresh time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE batch.job
SET driver_active    = TRUE,
    driver_id        = $2,
    driver_last_ping = NOW(),
    started_at       = COALESCE(started_at, NOW()),
    status           = 'processing',
    run_count        = run_count + 1
WHERE id = $1
  AND status IN ('pending', 'processing')
  AND (driver_active = FALSE
    OR driver_last_ping IS NULL
    OR driver_last_ping < NOW() - MAKE_INTERVAL(secs => $3))`,
		jobID, driverID, fresh.Seconds())
	if err != nil {
		return false, fmt.Errorf("could not claim driver lease: %w", err)
	}

	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, jobID int64, driverID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE batch.job
SET driver_last_ping = NOW()
WHERE id = $1 AND driver_id = $2 AND driver_active`, jobID, driverID)
	if err != nil {
		return fmt.Errorf("could not update heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseDriver(ctx context.Context, jobID int64, driverID string) error {
	query := `UPDATE batch.job SET driver_active = FALSE WHERE id = $1`
	args := []any{jobID}
	if driverID != "" {
		query += ` AND driver_id = $2`
		args = append(args, driverID)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("could not release driver lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMatrix(ctx context.Context, jobID int64, refs []models.TaskRef) (total int, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var job models.BatchJob
	if err = tx.GetContext(ctx, &job, `SELECT * FROM batch.job WHERE id = $1 FOR UPDATE`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("could not lock job: %w", err)
	}

	// Matrix already built (or job finished another way): total_tasks is fixed
	// once set, so this is a no-op
	if job.TotalTasks > 0 || job.Status.Terminal() {
		_ = tx.Rollback()
		return job.TotalTasks, nil
	}

	for _, ref := range refs {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO batch.task (job_id, prompt_id, provider)
VALUES ($1, $2, $3)
ON CONFLICT (job_id, prompt_id, provider) DO NOTHING`,
			jobID, ref.PromptID, ref.Provider); err != nil {
			return 0, fmt.Errorf("could not insert task row: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE batch.job SET total_tasks = $2 WHERE id = $1`, jobID, len(refs)); err != nil {
		return 0, fmt.Errorf("could not fix total_tasks: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("could not commit matrix: %w", err)
	}
	return len(refs), nil
}

func (s *PostgresStore) PendingTasks(ctx context.Context, jobID int64, limit int) ([]models.PromptTask, error) {
	var tasks []models.PromptTask
	err := s.db.SelectContext(ctx, &tasks, `
SELECT t.*, p.text AS prompt_text
FROM batch.task t
JOIN batch.prompt p ON p.id = t.prompt_id
WHERE t.job_id = $1
  AND t.status = 'pending'
ORDER BY t.prompt_id, t.provider
LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not fetch pending tasks: %w", err)
	}
	return tasks, nil
}

// CompleteTask settles the task and moves the parent counter in a single
// statement. The status guard on the inner update is what makes replays from
// overlapping drivers increment completed_tasks at most once.
func (s *PostgresStore) CompleteTask(ctx context.Context, ref models.TaskRef, response, model string, attempts int) (bool, error) {
	var counted int
	err := s.db.GetContext(ctx, &counted, `
WITH settled AS (
    UPDATE batch.task
    SET status       = 'completed',
        response     = $4,
        model        = $5,
        attempts     = $6,
        completed_at = NOW()
    WHERE job_id = $1 AND prompt_id = $2 AND provider = $3 AND status = 'pending'
    RETURNING 1)
UPDATE batch.job
SET completed_tasks = completed_tasks + (SELECT COUNT(*) FROM settled)
WHERE id = $1
RETURNING (SELECT COUNT(*) FROM settled)`,
		ref.JobID, ref.PromptID, ref.Provider, response, model, attempts)
	if err != nil {
		return false, fmt.Errorf("could not complete task: %w", err)
	}
	return counted == 1, nil
}

func (s *PostgresStore) FailTask(ctx context.Context, ref models.TaskRef, reason string, attempts int) (bool, error) {
	var counted int
	err := s.db.GetContext(ctx, &counted, `
WITH settled AS (
    UPDATE batch.task
    SET status     = 'failed',
        last_error = $4,
        attempts   = $5
    WHERE job_id = $1 AND prompt_id = $2 AND provider = $3 AND status = 'pending'
    RETURNING 1)
UPDATE batch.job
SET failed_tasks = failed_tasks + (SELECT COUNT(*) FROM settled)
WHERE id = $1
RETURNING (SELECT COUNT(*) FROM settled)`,
		ref.JobID, ref.PromptID, ref.Provider, reason, attempts)
	if err != nil {
		return false, fmt.Errorf("could not fail task: %w", err)
	}
	return counted == 1, nil
}

func (s *PostgresStore) EligibleOrgs(ctx context.Context) ([]models.Organization, error) {
	var orgs []models.Organization
	err := s.db.SelectContext(ctx, &orgs, `
SELECT o.*
FROM batch.organization o
WHERE o.is_active
ORDER BY o.id`)
	if err != nil {
		return nil, fmt.Errorf("could not list eligible organizations: %w", err)
	}
	return orgs, nil
}

func (s *PostgresStore) ActivePrompts(ctx context.Context, orgID int64) ([]models.TrackedPrompt, error) {
	var prompts []models.TrackedPrompt
	err := s.db.SelectContext(ctx, &prompts, `
SELECT *
FROM batch.prompt
WHERE org_id = $1 AND is_active
ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("could not list active prompts: %w", err)
	}
	return prompts, nil
}

// isUniqueViolation checks if a pgx error is a unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
