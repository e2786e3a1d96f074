// Package monitor watches a set of jobs until each one drains or a deadline
// passes. The trigger command uses it to report whether a manually kicked
// window ran to completion.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"promptwatch/internal/models"
	"promptwatch/internal/store"
)

// Straggler describes a job that had not drained when the watch ended
type Straggler struct {
	JobID          int64  `json:"jobId"`
	OrgID          int64  `json:"orgId"`
	Status         string `json:"status"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	FailedTasks    int    `json:"failedTasks"`
}

// Report summarizes the watch outcome
type Report struct {
	Settled    int
	Incomplete []Straggler
}

// AllSettled reports whether every watched job drained before the deadline
func (r *Report) AllSettled() bool {
	return len(r.Incomplete) == 0
}

type Monitor struct {
	store store.Store
	poll  time.Duration
}

func New(st store.Store, poll time.Duration) *Monitor {
	if poll <= 0 {
		poll = 10 * time.Second
	}
	return &Monitor{store: st, poll: poll}
}

// Watch polls the given jobs until every one of them is drained, or the
// context ends. It never errors on timeout, the report carries the stragglers.
func (m *Monitor) Watch(ctx context.Context, jobIDs []int64) (*Report, error) {
	remaining := make(map[int64]bool, len(jobIDs))
	for _, id := range jobIDs {
		remaining[id] = true
	}

	latest := make(map[int64]*models.BatchJob, len(jobIDs))

	for len(remaining) > 0 {
		for id := range remaining {
			job, err := m.store.GetJob(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("watched job %d does not exist", id)
				}
				return nil, fmt.Errorf("could not poll job %d: %w", id, err)
			}
			latest[id] = job
			if job.Drained() {
				delete(remaining, id)
			}
		}

		if len(remaining) == 0 {
			break
		}

		log.Debug().Int("remaining", len(remaining)).Msg("Waiting for jobs to drain")
		select {
		case <-ctx.Done():
			return buildReport(jobIDs, latest, remaining), nil
		case <-time.After(m.poll):
		}
	}

	return buildReport(jobIDs, latest, remaining), nil
}

func buildReport(jobIDs []int64, latest map[int64]*models.BatchJob, remaining map[int64]bool) *Report {
	report := &Report{Settled: len(jobIDs) - len(remaining)}
	for _, id := range jobIDs {
		if !remaining[id] {
			continue
		}
		job := latest[id]
		report.Incomplete = append(report.Incomplete, Straggler{
			JobID:          job.ID,
			OrgID:          job.OrgID,
			Status:         string(job.Status),
			TotalTasks:     job.TotalTasks,
			CompletedTasks: job.CompletedTasks,
			FailedTasks:    job.FailedTasks,
		})
	}
	return report
}
