package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"promptwatch/internal/models"
	"promptwatch/internal/store"
)

func newStoreWithJob(t *testing.T, refs []models.TaskRef) (*store.MemoryStore, *models.BatchJob) {
	t.Helper()
	s := store.NewMemoryStore()
	s.AddOrganization(models.Organization{ID: 1, Name: "Acme", Tier: "growth", IsActive: true})
	for i := range refs {
		s.AddPrompt(models.TrackedPrompt{ID: refs[i].PromptID, OrgID: 1, Text: "What is the best CRM?", IsActive: true})
	}

	job, err := s.CreateJob(context.Background(), 1, "2026-08-27")
	require.NoError(t, err)

	for i := range refs {
		refs[i].JobID = job.ID
	}
	_, err = s.InsertMatrix(context.Background(), job.ID, refs)
	require.NoError(t, err)
	return s, job
}

func TestCreateJobDuplicateWindow(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateJob(ctx, 1, "2026-08-27")
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, 1, "2026-08-27")
	assert.ErrorIs(t, err, store.ErrJobExists)

	// different window or org is fine
	_, err = s.CreateJob(ctx, 1, "2026-08-28")
	assert.NoError(t, err)
	_, err = s.CreateJob(ctx, 2, "2026-08-27")
	assert.NoError(t, err)
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ref := models.TaskRef{PromptID: 10, Provider: "openai"}
	s, job := newStoreWithJob(t, []models.TaskRef{ref})
	ref.JobID = job.ID

	counted, err := s.CompleteTask(ctx, ref, "answer", "gpt-4o-mini", 1)
	require.NoError(t, err)
	assert.True(t, counted)

	// a second completion from an overlapping driver must not double count
	counted, err = s.CompleteTask(ctx, ref, "answer again", "gpt-4o-mini", 2)
	require.NoError(t, err)
	assert.False(t, counted)

	// nor may a late failure settle an already completed task
	counted, err = s.FailTask(ctx, ref, "timeout", 3)
	require.NoError(t, err)
	assert.False(t, counted)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedTasks)
	assert.Equal(t, 0, got.FailedTasks)

	task, ok := s.Task(ref)
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, "answer", task.Response.String)
}

func TestCounterInvariantHolds(t *testing.T) {
	ctx := context.Background()
	refs := []models.TaskRef{
		{PromptID: 1, Provider: "openai"},
		{PromptID: 1, Provider: "anthropic"},
		{PromptID: 2, Provider: "openai"},
		{PromptID: 2, Provider: "anthropic"},
	}
	s, job := newStoreWithJob(t, refs)

	_, err := s.CompleteTask(ctx, refs[0], "ok", "m", 1)
	require.NoError(t, err)
	_, err = s.FailTask(ctx, refs[1], "rate limited", 3)
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalTasks)
	assert.LessOrEqual(t, got.CompletedTasks+got.FailedTasks, got.TotalTasks)
	assert.False(t, got.Drained())

	pending, err := s.PendingTasks(ctx, job.ID, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestInsertMatrixIsIdempotent(t *testing.T) {
	ctx := context.Background()
	refs := []models.TaskRef{
		{PromptID: 1, Provider: "openai"},
		{PromptID: 2, Provider: "openai"},
	}
	s, job := newStoreWithJob(t, refs)

	// settle one task, then re-invoke the build
	_, err := s.CompleteTask(ctx, refs[0], "ok", "m", 1)
	require.NoError(t, err)

	total, err := s.InsertMatrix(ctx, job.ID, []models.TaskRef{
		{JobID: job.ID, PromptID: 1, Provider: "openai"},
		{JobID: job.ID, PromptID: 2, Provider: "openai"},
		{JobID: job.ID, PromptID: 3, Provider: "openai"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "total_tasks is fixed once the matrix is built")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTasks)
	assert.Equal(t, 1, got.CompletedTasks)
}

func TestClaimDriverFreshLease(t *testing.T) {
	ctx := context.Background()
	s, job := newStoreWithJob(t, []models.TaskRef{{PromptID: 1, Provider: "openai"}})

	claimed, err := s.ClaimDriver(ctx, job.ID, "driver-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	// a second driver must back off while the lease is fresh
	claimed, err = s.ClaimDriver(ctx, job.ID, "driver-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, claimed)

	// age the heartbeat past the freshness window and the lease is stealable
	s.MutateJob(job.ID, func(j *models.BatchJob) {
		j.DriverLastPing = null.TimeFrom(time.Now().Add(-time.Minute))
	})
	claimed, err = s.ClaimDriver(ctx, job.ID, "driver-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, "driver-b", got.DriverID.String)
	assert.Equal(t, 2, got.RunCount)
	assert.True(t, got.StartedAt.Valid)
}

func TestFinalizeJobOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s, job := newStoreWithJob(t, []models.TaskRef{{PromptID: 1, Provider: "openai"}})

	require.NoError(t, s.FinalizeJob(ctx, job.ID, models.JobCompleted))

	err := s.FinalizeJob(ctx, job.ID, models.JobFailed)
	assert.ErrorIs(t, err, store.ErrJobFinalized)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.True(t, got.FinishedAt.Valid)
	assert.False(t, got.DriverActive)

	// terminal jobs never surface in a claim
	claimed, err := s.ClaimDriver(ctx, job.ID, "driver-x", time.Second)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestStaleJobScan(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	fresh, err := s.CreateJob(ctx, 1, "2026-08-27")
	require.NoError(t, err)
	_, err = s.ClaimDriver(ctx, fresh.ID, "driver-a", time.Second)
	require.NoError(t, err)

	silent, err := s.CreateJob(ctx, 2, "2026-08-27")
	require.NoError(t, err)
	_, err = s.ClaimDriver(ctx, silent.ID, "driver-b", time.Second)
	require.NoError(t, err)
	s.MutateJob(silent.ID, func(j *models.BatchJob) {
		j.DriverLastPing = null.TimeFrom(time.Now().Add(-10 * time.Minute))
	})

	neverStarted, err := s.CreateJob(ctx, 3, "2026-08-27")
	require.NoError(t, err)
	s.MutateJob(neverStarted.ID, func(j *models.BatchJob) {
		j.CreatedAt = time.Now().Add(-time.Hour)
	})

	done, err := s.CreateJob(ctx, 4, "2026-08-27")
	require.NoError(t, err)
	require.NoError(t, s.FinalizeJob(ctx, done.ID, models.JobCompleted))

	stale, err := s.StaleJobs(ctx, 5*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, silent.ID, stale[0].ID)
	assert.Equal(t, neverStarted.ID, stale[1].ID)
}
