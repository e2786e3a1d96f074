package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"promptwatch/internal/models"
)

// MemoryStore is an in-memory Store used by the engine tests and by local
// experiments. It mirrors the Postgres semantics, most importantly the
// idempotent per-triple counter moves and the conditional lease claim.
type MemoryStore struct {
	mu      sync.Mutex
	nextJob int64
	jobs    map[int64]*models.BatchJob
	tasks   map[models.TaskRef]*models.PromptTask
	orgs    map[int64]models.Organization
	prompts map[int64]models.TrackedPrompt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextJob: 1,
		jobs:    make(map[int64]*models.BatchJob),
		tasks:   make(map[models.TaskRef]*models.PromptTask),
		orgs:    make(map[int64]models.Organization),
		prompts: make(map[int64]models.TrackedPrompt),
	}
}

var _ Store = (*MemoryStore)(nil)

// AddOrganization seeds a catalog organization
func (s *MemoryStore) AddOrganization(org models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
}

// AddPrompt seeds a catalog prompt
func (s *MemoryStore) AddPrompt(p models.TrackedPrompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.ID] = p
}

// MutateJob applies fn to the job under the store lock. Tests use this to
// simulate crashed drivers and aged heartbeats.
func (s *MemoryStore) MutateJob(jobID int64, fn func(*models.BatchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		fn(job)
	}
}

// Task returns a copy of the task row, mostly for test assertions
func (s *MemoryStore) Task(ref models.TaskRef) (models.PromptTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[ref]; ok {
		return *t, true
	}
	return models.PromptTask{}, false
}

func (s *MemoryStore) CreateJob(_ context.Context, orgID int64, window string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.OrgID == orgID && job.RunWindow == window {
			return nil, ErrJobExists
		}
	}

	job := &models.BatchJob{
		ID:        s.nextJob,
		OrgID:     orgID,
		RunWindow: window,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	s.nextJob++
	s.jobs[job.ID] = job

	cp := *job
	return &cp, nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID int64) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) GetJobByWindow(_ context.Context, orgID int64, window string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.OrgID == orgID && job.RunWindow == window {
			cp := *job
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.BatchJob
	for _, job := range s.jobs {
		if filter.OrgID != 0 && job.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Window != "" && job.RunWindow != filter.Window {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	return jobs, nil
}

func (s *MemoryStore) StaleJobs(_ context.Context, staleAfter, minAge time.Duration) ([]*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var jobs []*models.BatchJob
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			continue
		}
		stale := (job.DriverLastPing.Valid && now.Sub(job.DriverLastPing.Time) > staleAfter) ||
			(!job.DriverLastPing.Valid && now.Sub(job.CreatedAt) > minAge)
		if stale {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *MemoryStore) FinalizeJob(_ context.Context, jobID int64, status models.JobStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrJobFinalized
	}

	job.Status = status
	job.FinishedAt = null.TimeFrom(time.Now().UTC())
	job.DriverActive = false
	return nil
}

func (s *MemoryStore) ClaimDriver(_ context.Context, jobID int64, driverID string, fresh time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}

	if job.DriverActive && job.DriverLastPing.Valid &&
		time.Since(job.DriverLastPing.Time) < fresh {
		return false, nil
	}

	now := time.Now().UTC()
	job.DriverActive = true
	job.DriverID = null.StringFrom(driverID)
	job.DriverLastPing = null.TimeFrom(now)
	if !job.StartedAt.Valid {
		job.StartedAt = null.TimeFrom(now)
	}
	job.Status = models.JobProcessing
	job.RunCount++
	return true, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, jobID int64, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.DriverActive && job.DriverID.String == driverID {
		job.DriverLastPing = null.TimeFrom(time.Now().UTC())
	}
	return nil
}

func (s *MemoryStore) ReleaseDriver(_ context.Context, jobID int64, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if driverID == "" || job.DriverID.String == driverID {
		job.DriverActive = false
	}
	return nil
}

func (s *MemoryStore) InsertMatrix(_ context.Context, jobID int64, refs []models.TaskRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrNotFound
	}
	if job.TotalTasks > 0 || job.Status.Terminal() {
		return job.TotalTasks, nil
	}

	now := time.Now().UTC()
	for _, ref := range refs {
		ref.JobID = jobID
		if _, exists := s.tasks[ref]; exists {
			continue
		}
		s.tasks[ref] = &models.PromptTask{
			JobID:     jobID,
			PromptID:  ref.PromptID,
			Provider:  ref.Provider,
			Status:    models.TaskPending,
			CreatedAt: now,
		}
	}
	job.TotalTasks = len(refs)
	return len(refs), nil
}

func (s *MemoryStore) PendingTasks(_ context.Context, jobID int64, limit int) ([]models.PromptTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []models.PromptTask
	for _, task := range s.tasks {
		if task.JobID != jobID || task.Status != models.TaskPending {
			continue
		}
		cp := *task
		cp.PromptText = s.prompts[task.PromptID].Text
		tasks = append(tasks, cp)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].PromptID != tasks[j].PromptID {
			return tasks[i].PromptID < tasks[j].PromptID
		}
		return tasks[i].Provider < tasks[j].Provider
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, ref models.TaskRef, response, model string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[ref]
	if !ok {
		return false, ErrNotFound
	}
	if task.Status != models.TaskPending {
		return false, nil
	}

	task.Status = models.TaskCompleted
	task.Response = null.StringFrom(response)
	task.Model = null.StringFrom(model)
	task.Attempts = attempts
	task.CompletedAt = null.TimeFrom(time.Now().UTC())
	s.jobs[ref.JobID].CompletedTasks++
	return true, nil
}

func (s *MemoryStore) FailTask(_ context.Context, ref models.TaskRef, reason string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[ref]
	if !ok {
		return false, ErrNotFound
	}
	if task.Status != models.TaskPending {
		return false, nil
	}

	task.Status = models.TaskFailed
	task.LastError = null.StringFrom(reason)
	task.Attempts = attempts
	s.jobs[ref.JobID].FailedTasks++
	return true, nil
}

func (s *MemoryStore) EligibleOrgs(_ context.Context) ([]models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orgs []models.Organization
	for _, org := range s.orgs {
		if org.IsActive {
			orgs = append(orgs, org)
		}
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].ID < orgs[j].ID })
	return orgs, nil
}

func (s *MemoryStore) ActivePrompts(_ context.Context, orgID int64) ([]models.TrackedPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prompts []models.TrackedPrompt
	for _, p := range s.prompts {
		if p.OrgID == orgID && p.IsActive {
			prompts = append(prompts, p)
		}
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].ID < prompts[j].ID })
	return prompts, nil
}
