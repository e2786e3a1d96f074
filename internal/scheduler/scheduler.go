// Package scheduler owns the daily fan-out: at each cron fire it creates one
// batch job per eligible organization, expands the task matrix, and puts the
// job on the drive queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"promptwatch/internal/config"
	"promptwatch/internal/matrix"
	"promptwatch/internal/models"
	"promptwatch/internal/queue"
	"promptwatch/internal/store"
)

type Scheduler struct {
	store   store.Store
	queue   queue.Client
	builder *matrix.Builder
	conf    *config.PWConfig
	cron    *cron.Cron
}

func New(st store.Store, q queue.Client, conf *config.PWConfig) *Scheduler {
	return &Scheduler{
		store:   st,
		queue:   q,
		builder: matrix.NewBuilder(st),
		conf:    conf,
		// Run windows are UTC dates, so the cron must fire in UTC too
		cron: cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the cron entry and begins firing. The returned error only
// reflects a bad cron expression.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.conf.Scheduler.Cron, func() {
		if _, err := s.RunOnce(ctx, false); err != nil {
			log.Error().Err(err).Msg("Scheduled fan-out failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.conf.Scheduler.Cron, err)
	}

	s.cron.Start()
	log.Info().Str("cron", s.conf.Scheduler.Cron).Msg("Scheduler started")
	return nil
}

// Stop halts the cron and waits for any in-flight fan-out to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs one fan-out over every eligible organization for today's
// run window. Firing twice in the same window is safe: the per-window unique
// job is the duplicate guard. With force set, an existing non-terminal job is
// republished instead of skipped, which lets operators kick a stuck window
// without waiting for the reconciler.
func (s *Scheduler) RunOnce(ctx context.Context, force bool) ([]*models.BatchJob, error) {
	window := models.Window(time.Now())

	orgs, err := s.store.EligibleOrgs(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list eligible organizations: %w", err)
	}

	log.Info().
		Str("window", window).
		Int("organizations", len(orgs)).
		Bool("force", force).
		Msg("Fan-out started")

	var jobs []*models.BatchJob
	for _, org := range orgs {
		job, err := s.fanOutOrg(ctx, org, window, force)
		if err != nil {
			log.Error().
				Err(err).
				Int64("org_id", org.ID).
				Str("window", window).
				Msg("Fan-out failed for organization")
			continue
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	log.Info().
		Str("window", window).
		Int("jobs", len(jobs)).
		Msg("Fan-out finished")
	return jobs, nil
}

func (s *Scheduler) fanOutOrg(ctx context.Context, org models.Organization, window string, force bool) (*models.BatchJob, error) {
	job, err := s.store.CreateJob(ctx, org.ID, window)
	if errors.Is(err, store.ErrJobExists) {
		if !force {
			log.Debug().
				Int64("org_id", org.ID).
				Str("window", window).
				Msg("Job already exists for this window, skipping")
			return nil, nil
		}

		job, err = s.store.GetJobByWindow(ctx, org.ID, window)
		if err != nil {
			return nil, fmt.Errorf("could not load existing job: %w", err)
		}
		if job.Status.Terminal() {
			log.Debug().
				Int64("org_id", org.ID).
				Str("window", window).
				Msg("Existing job is already finalized, force has nothing to do")
			return nil, nil
		}
	} else if err != nil {
		return nil, fmt.Errorf("could not create job: %w", err)
	}

	total, err := s.builder.Build(ctx, job, s.providersFor(org))
	if err != nil {
		return nil, err
	}
	if total == 0 {
		// the builder already finalized the empty job
		return job, nil
	}

	err = s.queue.PublishDrive(ctx, queue.DriveMessage{
		JobID:    job.ID,
		Reason:   queue.ReasonScheduled,
		QueuedAt: time.Now().UTC(),
	})
	if err != nil {
		// The job row exists with its matrix, so the reconciler will pick it
		// up once it passes the age threshold. Not fatal.
		log.Error().
			Err(err).
			Int64("job_id", job.ID).
			Msg("Could not publish drive message, leaving the job for the reconciler")
	}
	return job, nil
}

// providersFor clips the configured provider order to the organization's
// subscription tier budget.
func (s *Scheduler) providersFor(org models.Organization) []string {
	order := s.conf.Providers.Order
	budget := org.ProviderBudget()
	if budget > len(order) {
		budget = len(order)
	}
	return order[:budget]
}
