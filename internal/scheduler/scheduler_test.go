package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"promptwatch/internal/config"
	"promptwatch/internal/models"
	"promptwatch/internal/queue"
	"promptwatch/internal/scheduler"
	"promptwatch/internal/store"
)

type captureQueue struct {
	mu     sync.Mutex
	drives []queue.DriveMessage
}

func (q *captureQueue) PublishDrive(_ context.Context, m queue.DriveMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drives = append(q.drives, m)
	return nil
}

func (q *captureQueue) PublishResult(context.Context, queue.ResultMessage) error { return nil }

func (q *captureQueue) SubscribeDrive(ctx context.Context, _ func(queue.DriveMessage)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *captureQueue) Close() error { return nil }

func testConfig() *config.PWConfig {
	conf := &config.PWConfig{}
	conf.Scheduler.Cron = "0 6 * * *"
	conf.Providers.Order = []string{"openai", "anthropic", "perplexity", "gemini"}
	return conf
}

func seedOrg(s *store.MemoryStore, id int64, tier string, prompts int) {
	s.AddOrganization(models.Organization{ID: id, Name: "org", Tier: tier, IsActive: true})
	for i := 0; i < prompts; i++ {
		s.AddPrompt(models.TrackedPrompt{
			ID:       id*100 + int64(i),
			OrgID:    id,
			Text:     "tracked question",
			IsActive: true,
		})
	}
}

func TestRunOnceFansOutPerOrganization(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedOrg(s, 1, "starter", 2) // budget 2 providers -> 4 tasks
	seedOrg(s, 2, "pro", 1)     // budget 4 providers -> 4 tasks
	s.AddOrganization(models.Organization{ID: 3, Name: "churned", Tier: "pro", IsActive: false})

	q := &captureQueue{}
	sched := scheduler.New(s, q, testConfig())

	jobs, err := sched.RunOnce(ctx, false)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Len(t, q.drives, 2)

	window := models.Window(time.Now())
	for _, msg := range q.drives {
		assert.Equal(t, queue.ReasonScheduled, msg.Reason)
	}

	starter, err := s.GetJobByWindow(ctx, 1, window)
	require.NoError(t, err)
	assert.Equal(t, 4, starter.TotalTasks)

	pro, err := s.GetJobByWindow(ctx, 2, window)
	require.NoError(t, err)
	assert.Equal(t, 4, pro.TotalTasks)

	// the starter org's matrix only uses the first two providers in order
	pending, err := s.PendingTasks(ctx, starter.ID, 100)
	require.NoError(t, err)
	for _, task := range pending {
		assert.Contains(t, []string{"openai", "anthropic"}, task.Provider)
	}

	_, err = s.GetJobByWindow(ctx, 3, window)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunOnceIsIdempotentPerWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedOrg(s, 1, "starter", 1)

	q := &captureQueue{}
	sched := scheduler.New(s, q, testConfig())

	jobs, err := sched.RunOnce(ctx, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	first := jobs[0].ID

	// a second fire in the same window creates nothing and publishes nothing
	jobs, err = sched.RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Len(t, q.drives, 1)

	all, err := s.ListJobs(ctx, store.JobFilter{OrgID: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first, all[0].ID)
}

func TestRunOnceForceRepublishesOpenJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedOrg(s, 1, "starter", 1)

	q := &captureQueue{}
	sched := scheduler.New(s, q, testConfig())

	jobs, err := sched.RunOnce(ctx, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = sched.RunOnce(ctx, true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Len(t, q.drives, 2)

	// the matrix is fixed, force does not regrow it
	got, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTasks)
}

func TestRunOnceForceSkipsFinalizedJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedOrg(s, 1, "starter", 1)

	q := &captureQueue{}
	sched := scheduler.New(s, q, testConfig())

	jobs, err := sched.RunOnce(ctx, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, s.FinalizeJob(ctx, jobs[0].ID, models.JobCompleted))

	jobs, err = sched.RunOnce(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Len(t, q.drives, 1)
}

func TestRunOnceZeroPromptOrg(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.AddOrganization(models.Organization{ID: 1, Name: "Empty Co", Tier: "growth", IsActive: true})

	q := &captureQueue{}
	sched := scheduler.New(s, q, testConfig())

	jobs, err := sched.RunOnce(ctx, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// no tasks means nothing to drive
	assert.Empty(t, q.drives)

	got, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 0, got.TotalTasks)
}

func TestStartRejectsBadCron(t *testing.T) {
	conf := testConfig()
	conf.Scheduler.Cron = "every day at six"

	sched := scheduler.New(store.NewMemoryStore(), &captureQueue{}, conf)
	err := sched.Start(context.Background())
	require.Error(t, err)
}
