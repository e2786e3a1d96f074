// Package driver contains the job driver: the process that claims a batch job,
// works its pending tasks with bounded concurrency, keeps the lease alive with
// heartbeats, and finalizes the job once the task set is drained.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"promptwatch/internal/config"
	"promptwatch/internal/executor"
	"promptwatch/internal/models"
	"promptwatch/internal/provider"
	"promptwatch/internal/store"
)

// ErrRuntimeCeiling is returned when a run gives up the job because it hit the
// maximum runtime. The lease is released so the reconciler can resume the rest.
var ErrRuntimeCeiling = errors.New("job run exceeded the maximum runtime")

type Driver struct {
	// ID identifies this driver process in leases and logs
	ID string

	store store.Store
	exec  *executor.Executor

	batchSize  int
	pause      time.Duration
	attempts   int
	leaseFresh time.Duration
	heartbeat  time.Duration
	maxRuntime time.Duration
}

func New(st store.Store, exec *executor.Executor, conf *config.PWConfig) *Driver {
	d := &Driver{
		ID:         uuid.NewString(),
		store:      st,
		exec:       exec,
		batchSize:  conf.Driver.BatchSize,
		pause:      time.Duration(conf.Driver.PauseSec) * time.Second,
		attempts:   conf.Driver.MaxTaskAttempts,
		leaseFresh: time.Duration(conf.Driver.LeaseFreshSec) * time.Second,
		heartbeat:  time.Duration(conf.Driver.HeartbeatSec) * time.Second,
		maxRuntime: time.Duration(conf.Driver.MaxRuntimeMin) * time.Minute,
	}

	if d.batchSize <= 0 {
		d.batchSize = 20
	}
	if d.attempts <= 0 {
		d.attempts = 1
	}
	if d.leaseFresh <= 0 {
		d.leaseFresh = 45 * time.Second
	}
	if d.heartbeat <= 0 {
		d.heartbeat = 15 * time.Second
	}
	if d.maxRuntime <= 0 {
		d.maxRuntime = 2 * time.Hour
	}
	return d
}

// Run works the given job until its task set is drained, the runtime ceiling is
// hit, or the context is cancelled. A terminal job or a job whose lease is held
// by a live driver is skipped without error, which makes duplicate drive
// messages harmless.
func (d *Driver) Run(ctx context.Context, jobID int64) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Int64("job_id", jobID).Msg("Drive message referenced an unknown job")
			return nil
		}
		return fmt.Errorf("could not load job %d: %w", jobID, err)
	}
	if job.Status.Terminal() {
		log.Debug().Int64("job_id", jobID).Str("status", string(job.Status)).Msg("Job is already finalized, nothing to do")
		return nil
	}

	claimed, err := d.store.ClaimDriver(ctx, jobID, d.ID, d.leaseFresh)
	if err != nil {
		return fmt.Errorf("could not claim job %d: %w", jobID, err)
	}
	if !claimed {
		log.Info().Int64("job_id", jobID).Str("driver_id", d.ID).Msg("Another driver holds a fresh lease on the job")
		return nil
	}

	log.Info().
		Int64("job_id", jobID).
		Int64("org_id", job.OrgID).
		Str("driver_id", d.ID).
		Msg("Claimed job")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go d.keepAlive(hbCtx, jobID)

	started := time.Now()
	for {
		if ctx.Err() != nil {
			// Leave everything pending. The reconciler resumes the job later.
			_ = d.store.ReleaseDriver(context.Background(), jobID, d.ID)
			return ctx.Err()
		}
		if time.Since(started) > d.maxRuntime {
			_ = d.store.ReleaseDriver(ctx, jobID, d.ID)
			log.Warn().
				Int64("job_id", jobID).
				Dur("runtime", time.Since(started)).
				Msg("Giving job up at the runtime ceiling")
			return fmt.Errorf("job %d: %w", jobID, ErrRuntimeCeiling)
		}

		tasks, err := d.store.PendingTasks(ctx, jobID, d.batchSize)
		if err != nil {
			_ = d.store.ReleaseDriver(ctx, jobID, d.ID)
			return fmt.Errorf("could not fetch pending tasks for job %d: %w", jobID, err)
		}
		if len(tasks) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, task := range tasks {
			wg.Add(1)
			go func(task models.PromptTask) {
				defer wg.Done()
				d.runTask(ctx, task)
			}(task)
		}
		wg.Wait()

		if err := d.store.Heartbeat(ctx, jobID, d.ID); err != nil {
			log.Error().Err(err).Int64("job_id", jobID).Msg("Heartbeat write failed")
		}

		if d.pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d.pause):
			}
		}
	}

	return d.finalize(ctx, jobID)
}

// finalize refreshes the counters and writes the terminal status. Losing the
// race with the reconciler is fine, only one writer wins.
func (d *Driver) finalize(ctx context.Context, jobID int64) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("could not reload job %d for finalization: %w", jobID, err)
	}

	status := job.FinalStatus()
	if err := d.store.FinalizeJob(ctx, jobID, status); err != nil && !errors.Is(err, store.ErrJobFinalized) {
		return fmt.Errorf("could not finalize job %d: %w", jobID, err)
	}

	log.Info().
		Int64("job_id", jobID).
		Str("status", string(status)).
		Int("completed", job.CompletedTasks).
		Int("failed", job.FailedTasks).
		Int("total", job.TotalTasks).
		Msg("Job drained")
	return nil
}

// runTask performs one task with a bounded number of attempts. Credential
// errors fail immediately since retrying them never helps. A cancelled context
// leaves the task pending so a later run picks it up again.
func (d *Driver) runTask(ctx context.Context, task models.PromptTask) {
	var lastErr error
	made := 0
	for attempt := 1; attempt <= d.attempts; attempt++ {
		made = attempt
		resp, err := d.exec.Ask(ctx, task)
		if err == nil {
			if err := d.exec.Complete(ctx, task, resp, attempt); err != nil {
				log.Error().
					Err(err).
					Int64("job_id", task.JobID).
					Int64("prompt_id", task.PromptID).
					Str("provider", task.Provider).
					Msg("Could not record task completion")
			}
			return
		}

		lastErr = err
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, provider.ErrUnauthorized) {
			break
		}

		log.Warn().
			Err(err).
			Int64("job_id", task.JobID).
			Int64("prompt_id", task.PromptID).
			Str("provider", task.Provider).
			Int("attempt", attempt).
			Msg("Task attempt failed")

		if attempt < d.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * d.pause):
			}
		}
	}

	if err := d.exec.Fail(ctx, task, lastErr, made); err != nil {
		log.Error().
			Err(err).
			Int64("job_id", task.JobID).
			Int64("prompt_id", task.PromptID).
			Str("provider", task.Provider).
			Msg("Could not record task failure")
	}
}

// keepAlive refreshes the lease until the run finishes
func (d *Driver) keepAlive(ctx context.Context, jobID int64) {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Heartbeat(ctx, jobID, d.ID); err != nil {
				log.Error().Err(err).Int64("job_id", jobID).Msg("Heartbeat write failed")
			}
		}
	}
}
