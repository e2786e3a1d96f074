// Package matrix expands an organization's active prompts and provider list
// into the concrete task set for one batch job.
package matrix

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"promptwatch/internal/models"
	"promptwatch/internal/store"
)

type Builder struct {
	store store.Store
}

func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

// Build writes the prompt x provider cross product for the job and fixes its
// total_tasks. The expansion is deterministic (prompts by id, providers in
// tier order) and idempotent: rebuilding a job whose matrix exists is a no-op.
// An organization with zero active prompts gets its job finalized as completed
// immediately instead of lingering in pending forever.
func (b *Builder) Build(ctx context.Context, job *models.BatchJob, providers []string) (int, error) {
	prompts, err := b.store.ActivePrompts(ctx, job.OrgID)
	if err != nil {
		return 0, fmt.Errorf("could not load active prompts: %w", err)
	}

	if len(prompts) == 0 {
		// A job whose matrix is already fixed keeps it, even if every prompt
		// was deactivated since. Its pending tasks still belong to the run.
		if job.TotalTasks > 0 {
			return job.TotalTasks, nil
		}
		if err := b.store.FinalizeJob(ctx, job.ID, models.JobCompleted); err != nil && !errors.Is(err, store.ErrJobFinalized) {
			return 0, fmt.Errorf("could not finalize empty job: %w", err)
		}
		log.Info().
			Int64("job_id", job.ID).
			Int64("org_id", job.OrgID).
			Msg("Organization has no active prompts, job finalized with no tasks")
		return 0, nil
	}

	refs := make([]models.TaskRef, 0, len(prompts)*len(providers))
	for _, prompt := range prompts {
		for _, provider := range providers {
			refs = append(refs, models.TaskRef{
				JobID:    job.ID,
				PromptID: prompt.ID,
				Provider: provider,
			})
		}
	}

	total, err := b.store.InsertMatrix(ctx, job.ID, refs)
	if err != nil {
		return 0, fmt.Errorf("could not insert task matrix: %w", err)
	}

	log.Info().
		Int64("job_id", job.ID).
		Int64("org_id", job.OrgID).
		Int("prompts", len(prompts)).
		Int("providers", len(providers)).
		Int("total_tasks", total).
		Msg("Task matrix ready")
	return total, nil
}
