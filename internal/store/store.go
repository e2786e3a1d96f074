package store

import (
	"context"
	"errors"
	"time"

	"promptwatch/internal/models"
)

var (
	// ErrJobExists is returned when a job already exists for the organization and run window
	ErrJobExists = errors.New("job already exists for organization and window")
	// ErrJobFinalized is returned when finalizing a job that is already terminal
	ErrJobFinalized = errors.New("job is already finalized")
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
)

// JobFilter narrows job listings for the monitoring surfaces
type JobFilter struct {
	OrgID  int64 // 0 means any organization
	Status models.JobStatus
	Window string
}

// Store is the durable record of batch jobs, their tasks and the catalog the
// engine reads. Counter mutations are atomic and idempotent per task triple, so
// replays from an overlapping or resumed driver cannot corrupt totals.
type Store interface {
	// CreateJob inserts a pending job for the organization's run window.
	// Returns ErrJobExists if a job for (org, window) is already present.
	CreateJob(ctx context.Context, orgID int64, window string) (*models.BatchJob, error)
	GetJob(ctx context.Context, jobID int64) (*models.BatchJob, error)
	GetJobByWindow(ctx context.Context, orgID int64, window string) (*models.BatchJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.BatchJob, error)

	// StaleJobs returns non-terminal jobs whose driver heartbeat is older than
	// staleAfter, or which never started and are older than minAge.
	StaleJobs(ctx context.Context, staleAfter, minAge time.Duration) ([]*models.BatchJob, error)

	// FinalizeJob moves a job to a terminal status and stamps finished_at.
	// finished_at is written exactly once; finalizing an already terminal job
	// returns ErrJobFinalized.
	FinalizeJob(ctx context.Context, jobID int64, status models.JobStatus) error

	// ClaimDriver attempts to take the soft lease for a job. The claim wins only
	// if no other driver has pinged within the freshness window. A winning claim
	// marks the job processing, stamps started_at on first claim and bumps
	// run_count.
	ClaimDriver(ctx context.Context, jobID int64, driverID string, fresh time.Duration) (bool, error)
	Heartbeat(ctx context.Context, jobID int64, driverID string) error
	// ReleaseDriver clears the active flag. An empty driverID releases
	// unconditionally (used by the reconciler on stale leases).
	ReleaseDriver(ctx context.Context, jobID int64, driverID string) error

	// InsertMatrix writes the task rows for a job and fixes total_tasks, all in
	// one transaction. Invoking it again for a job whose matrix exists is a
	// no-op returning the existing total.
	InsertMatrix(ctx context.Context, jobID int64, refs []models.TaskRef) (int, error)
	PendingTasks(ctx context.Context, jobID int64, limit int) ([]models.PromptTask, error)

	// CompleteTask settles a pending task as completed and increments the
	// parent's completed_tasks in the same atomic operation. Returns false if
	// the task was already settled, in which case no counter moves.
	CompleteTask(ctx context.Context, ref models.TaskRef, response, model string, attempts int) (bool, error)
	// FailTask is the failure-side counterpart of CompleteTask
	FailTask(ctx context.Context, ref models.TaskRef, reason string, attempts int) (bool, error)

	// Catalog reads
	EligibleOrgs(ctx context.Context) ([]models.Organization, error)
	ActivePrompts(ctx context.Context, orgID int64) ([]models.TrackedPrompt, error)
}
