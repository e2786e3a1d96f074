package driver

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"promptwatch/internal/config"
	"promptwatch/internal/executor"
	"promptwatch/internal/models"
	"promptwatch/internal/provider"
	"promptwatch/internal/store"
)

func testConfig() *config.PWConfig {
	conf := &config.PWConfig{}
	conf.Driver.BatchSize = 10
	conf.Driver.PauseSec = 0
	conf.Driver.TaskTimeoutSec = 1
	conf.Driver.MaxTaskAttempts = 3
	conf.Driver.LeaseFreshSec = 45
	conf.Driver.HeartbeatSec = 1
	conf.Driver.MaxRuntimeMin = 1
	return conf
}

func newTestDriver(s *store.MemoryStore, clients map[string]provider.Client) *Driver {
	exec := executor.New(s, clients, nil, time.Second)
	return New(s, exec, testConfig())
}

// seedJob creates a job with a prompts x providers matrix already expanded
func seedJob(t *testing.T, s *store.MemoryStore, prompts int, providers []string) *models.BatchJob {
	t.Helper()
	ctx := context.Background()

	s.AddOrganization(models.Organization{ID: 1, Name: "Acme", Tier: "growth", IsActive: true})

	var refs []models.TaskRef
	job, err := s.CreateJob(ctx, 1, "2026-08-27")
	require.NoError(t, err)

	for i := 1; i <= prompts; i++ {
		s.AddPrompt(models.TrackedPrompt{
			ID: int64(i), OrgID: 1, Text: fmt.Sprintf("prompt %d", i), IsActive: true,
		})
		for _, p := range providers {
			refs = append(refs, models.TaskRef{JobID: job.ID, PromptID: int64(i), Provider: p})
		}
	}

	_, err = s.InsertMatrix(ctx, job.ID, refs)
	require.NoError(t, err)
	return job
}

func countingClient(name string, calls *atomic.Int64) provider.Client {
	return &provider.Mock{
		NameValue: name,
		AskFunc: func(_ context.Context, _ string) (*provider.Response, error) {
			calls.Add(1)
			return &provider.Response{Text: "answer", Model: name + "-model"}, nil
		},
	}
}

func TestRunDrainsJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 2, []string{"openai", "anthropic"})

	var calls atomic.Int64
	clients := map[string]provider.Client{
		"openai":    countingClient("openai", &calls),
		"anthropic": countingClient("anthropic", &calls),
	}

	d := newTestDriver(s, clients)
	require.NoError(t, d.Run(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 4, got.TotalTasks)
	assert.Equal(t, 4, got.CompletedTasks)
	assert.Equal(t, 0, got.FailedTasks)
	assert.False(t, got.DriverActive)
	assert.True(t, got.FinishedAt.Valid)
	assert.Equal(t, int64(4), calls.Load())
}

func TestRunResumesPartialJob(t *testing.T) {
	// A crashed run left 4 tasks completed and 1 failed out of 6. A resumed run
	// must only dispatch the single remaining pending task.
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 3, []string{"openai", "anthropic"})

	settled := 0
	pending, err := s.PendingTasks(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 6)
	for _, task := range pending[:5] {
		if settled < 4 {
			_, err = s.CompleteTask(ctx, task.Ref(), "earlier answer", "m", 1)
		} else {
			_, err = s.FailTask(ctx, task.Ref(), "provider rate limit hit", 3)
		}
		require.NoError(t, err)
		settled++
	}

	var calls atomic.Int64
	clients := map[string]provider.Client{
		"openai":    countingClient("openai", &calls),
		"anthropic": countingClient("anthropic", &calls),
	}

	d := newTestDriver(s, clients)
	require.NoError(t, d.Run(ctx, job.ID))

	assert.Equal(t, int64(1), calls.Load())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 5, got.CompletedTasks)
	assert.Equal(t, 1, got.FailedTasks)
}

func TestRunSkipsTerminalJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 1, []string{"openai"})
	require.NoError(t, s.FinalizeJob(ctx, job.ID, models.JobCompleted))

	var calls atomic.Int64
	d := newTestDriver(s, map[string]provider.Client{"openai": countingClient("openai", &calls)})

	require.NoError(t, d.Run(ctx, job.ID))
	assert.Equal(t, int64(0), calls.Load())
}

func TestRunRespectsFreshLease(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 1, []string{"openai"})

	claimed, err := s.ClaimDriver(ctx, job.ID, "other-driver", 45*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	var calls atomic.Int64
	d := newTestDriver(s, map[string]provider.Client{"openai": countingClient("openai", &calls)})

	require.NoError(t, d.Run(ctx, job.ID))
	assert.Equal(t, int64(0), calls.Load())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "other-driver", got.DriverID.String)
	assert.Equal(t, 1, got.RunCount)
}

func TestRunReclaimsStaleLease(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 1, []string{"openai"})

	claimed, err := s.ClaimDriver(ctx, job.ID, "dead-driver", 45*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	// age the heartbeat past the freshness cut-off
	s.MutateJob(job.ID, func(j *models.BatchJob) {
		j.DriverLastPing = null.TimeFrom(time.Now().Add(-2 * time.Minute))
	})

	var calls atomic.Int64
	d := newTestDriver(s, map[string]provider.Client{"openai": countingClient("openai", &calls)})

	require.NoError(t, d.Run(ctx, job.ID))
	assert.Equal(t, int64(1), calls.Load())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 2, got.RunCount)
}

func TestTaskRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 1, []string{"openai"})

	var calls atomic.Int64
	flaky := &provider.Mock{
		NameValue: "openai",
		AskFunc: func(_ context.Context, _ string) (*provider.Response, error) {
			if calls.Add(1) < 3 {
				return nil, provider.ErrRateLimited
			}
			return &provider.Response{Text: "third time lucky", Model: "m"}, nil
		},
	}

	d := newTestDriver(s, map[string]provider.Client{"openai": flaky})
	require.NoError(t, d.Run(ctx, job.ID))

	assert.Equal(t, int64(3), calls.Load())

	row, ok := s.Task(models.TaskRef{JobID: job.ID, PromptID: 1, Provider: "openai"})
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, row.Status)
	assert.Equal(t, 3, row.Attempts)
	assert.Equal(t, "third time lucky", row.Response.String)
}

func TestTaskFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 1, []string{"openai"})

	var calls atomic.Int64
	broken := &provider.Mock{
		NameValue: "openai",
		AskFunc: func(_ context.Context, _ string) (*provider.Response, error) {
			calls.Add(1)
			return nil, provider.ErrRateLimited
		},
	}

	d := newTestDriver(s, map[string]provider.Client{"openai": broken})
	require.NoError(t, d.Run(ctx, job.ID))

	assert.Equal(t, int64(3), calls.Load())

	row, ok := s.Task(models.TaskRef{JobID: job.ID, PromptID: 1, Provider: "openai"})
	require.True(t, ok)
	assert.Equal(t, models.TaskFailed, row.Status)
	assert.Equal(t, 3, row.Attempts)
}

func TestAuthErrorFailsFast(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 1, []string{"openai"})

	var calls atomic.Int64
	rejected := &provider.Mock{
		NameValue: "openai",
		AskFunc: func(_ context.Context, _ string) (*provider.Response, error) {
			calls.Add(1)
			return nil, provider.ErrUnauthorized
		},
	}

	d := newTestDriver(s, map[string]provider.Client{"openai": rejected})
	require.NoError(t, d.Run(ctx, job.ID))

	// bad credentials never improve with retries
	assert.Equal(t, int64(1), calls.Load())

	row, ok := s.Task(models.TaskRef{JobID: job.ID, PromptID: 1, Provider: "openai"})
	require.True(t, ok)
	assert.Equal(t, models.TaskFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
}

func TestAllTasksFailedMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 2, []string{"openai"})

	clients := map[string]provider.Client{
		"openai": provider.NewFailingMock("openai", provider.ErrUnauthorized),
	}

	d := newTestDriver(s, clients)
	require.NoError(t, d.Run(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 0, got.CompletedTasks)
	assert.Equal(t, 2, got.FailedTasks)
}

func TestPartialFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 1, []string{"openai", "anthropic"})

	var calls atomic.Int64
	clients := map[string]provider.Client{
		"openai":    countingClient("openai", &calls),
		"anthropic": provider.NewFailingMock("anthropic", provider.ErrRateLimited),
	}

	d := newTestDriver(s, clients)
	require.NoError(t, d.Run(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedTasks)
	assert.Equal(t, 1, got.FailedTasks)
}

func TestRuntimeCeilingReleasesLease(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := seedJob(t, s, 2, []string{"openai"})

	var calls atomic.Int64
	d := newTestDriver(s, map[string]provider.Client{"openai": countingClient("openai", &calls)})
	d.maxRuntime = -1 * time.Second

	err := d.Run(ctx, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuntimeCeiling)
	assert.Equal(t, int64(0), calls.Load())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.False(t, got.DriverActive)

	pending, err := s.PendingTasks(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCancelledRunLeavesTasksPending(t *testing.T) {
	s := store.NewMemoryStore()
	job := seedJob(t, s, 2, []string{"openai"})

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	blocking := &provider.Mock{
		NameValue: "openai",
		AskFunc: func(ctx context.Context, _ string) (*provider.Response, error) {
			calls.Add(1)
			cancel()
			<-ctx.Done()
			return nil, provider.ErrTimeout
		},
	}

	d := newTestDriver(s, map[string]provider.Client{"openai": blocking})
	err := d.Run(ctx, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, got.Status.Terminal())
	assert.False(t, got.DriverActive)

	pending, err := s.PendingTasks(context.Background(), job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
