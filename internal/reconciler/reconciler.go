// Package reconciler is the self-healing half of the engine. It periodically
// scans for jobs whose driver went silent and either finalizes them, when the
// task set is already drained, or puts them back on the drive queue so another
// driver resumes the remaining work.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"promptwatch/internal/config"
	"promptwatch/internal/models"
	"promptwatch/internal/queue"
	"promptwatch/internal/store"
)

type Reconciler struct {
	store store.Store
	queue queue.Client

	interval   time.Duration
	staleAfter time.Duration
	minAge     time.Duration

	stop chan struct{}
	done chan struct{}
}

func New(st store.Store, q queue.Client, conf *config.PWConfig) *Reconciler {
	r := &Reconciler{
		store:      st,
		queue:      q,
		interval:   time.Duration(conf.Reconciler.IntervalSec) * time.Second,
		staleAfter: time.Duration(conf.Reconciler.StaleAfterMin) * time.Minute,
		minAge:     time.Duration(conf.Reconciler.MinAgeMin) * time.Minute,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = 3 * time.Minute
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 5 * time.Minute
	}
	if r.minAge <= 0 {
		r.minAge = 10 * time.Minute
	}
	return r
}

// Start runs the sweep loop until Stop is called or the context ends
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		log.Info().
			Dur("interval", r.interval).
			Dur("stale_after", r.staleAfter).
			Msg("Reconciler started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				finalized, resumed, err := r.Sweep(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Reconciler sweep failed")
					continue
				}
				if finalized+resumed > 0 {
					log.Info().
						Int("finalized", finalized).
						Int("resumed", resumed).
						Msg("Reconciler sweep repaired jobs")
				}
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

// Sweep examines every stale non-terminal job exactly once. Drained jobs get
// their terminal status from the counters alone; jobs with pending work left
// are released and republished for another driver.
func (r *Reconciler) Sweep(ctx context.Context) (finalized, resumed int, err error) {
	jobs, err := r.store.StaleJobs(ctx, r.staleAfter, r.minAge)
	if err != nil {
		return 0, 0, fmt.Errorf("could not scan for stale jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Drained() {
			if err := r.finalize(ctx, job); err != nil {
				log.Error().Err(err).Int64("job_id", job.ID).Msg("Could not finalize drained job")
				continue
			}
			finalized++
		} else {
			if err := r.resume(ctx, job); err != nil {
				log.Error().Err(err).Int64("job_id", job.ID).Msg("Could not resume stale job")
				continue
			}
			resumed++
		}
	}
	return finalized, resumed, nil
}

func (r *Reconciler) finalize(ctx context.Context, job *models.BatchJob) error {
	status := job.FinalStatus()
	if err := r.store.FinalizeJob(ctx, job.ID, status); err != nil {
		if errors.Is(err, store.ErrJobFinalized) {
			return nil
		}
		return err
	}

	log.Info().
		Int64("job_id", job.ID).
		Int64("org_id", job.OrgID).
		Str("status", string(status)).
		Msg("Finalized a drained job whose driver died before its last write")
	return nil
}

func (r *Reconciler) resume(ctx context.Context, job *models.BatchJob) error {
	// Unconditional release: whatever driver id is on the row, its owner has
	// stopped pinging.
	if err := r.store.ReleaseDriver(ctx, job.ID, ""); err != nil {
		return err
	}

	err := r.queue.PublishDrive(ctx, queue.DriveMessage{
		JobID:    job.ID,
		Reason:   queue.ReasonResumed,
		QueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	log.Info().
		Int64("job_id", job.ID).
		Int64("org_id", job.OrgID).
		Int("completed", job.CompletedTasks).
		Int("failed", job.FailedTasks).
		Int("total", job.TotalTasks).
		Int("run_count", job.RunCount).
		Msg("Republished stale job for another driver")
	return nil
}
