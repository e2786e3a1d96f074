// Package executor runs a single task: one prompt against one provider, with
// the outcome persisted through the idempotent counter operations of the job
// store. It never decides retry policy; that belongs to the driver.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"promptwatch/internal/models"
	"promptwatch/internal/provider"
	"promptwatch/internal/queue"
	"promptwatch/internal/store"
)

type Executor struct {
	store   store.Store
	clients map[string]provider.Client
	queue   queue.Client
	timeout time.Duration
}

func New(st store.Store, clients map[string]provider.Client, q queue.Client, timeout time.Duration) *Executor {
	return &Executor{store: st, clients: clients, queue: q, timeout: timeout}
}

// Ask performs exactly one provider call for the task, bounded by the
// configured per-task timeout. It does not touch the store.
func (e *Executor) Ask(ctx context.Context, task models.PromptTask) (*provider.Response, error) {
	client, ok := e.clients[task.Provider]
	if !ok {
		return nil, fmt.Errorf("no client configured for provider %q: %w", task.Provider, provider.ErrUnauthorized)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	return client.Ask(callCtx, task.PromptText)
}

// Complete settles the task as completed. The raw response is stored and then
// handed to the analysis queue; a hand-off failure is logged, never surfaced,
// because the engine does not depend on the scorer.
func (e *Executor) Complete(ctx context.Context, task models.PromptTask, resp *provider.Response, attempts int) error {
	counted, err := e.store.CompleteTask(ctx, task.Ref(), resp.Text, resp.Model, attempts)
	if err != nil {
		return fmt.Errorf("could not persist task completion: %w", err)
	}
	if !counted {
		// Another driver settled this triple first. Nothing more to do.
		log.Debug().
			Int64("job_id", task.JobID).
			Int64("prompt_id", task.PromptID).
			Str("provider", task.Provider).
			Msg("Task was already settled, skipping hand-off")
		return nil
	}

	if e.queue != nil {
		err := e.queue.PublishResult(ctx, queue.ResultMessage{
			JobID:      task.JobID,
			PromptID:   task.PromptID,
			Provider:   task.Provider,
			Response:   resp.Text,
			Model:      resp.Model,
			AnsweredAt: time.Now().UTC(),
		})
		if err != nil {
			log.Error().
				Err(err).
				Int64("job_id", task.JobID).
				Int64("prompt_id", task.PromptID).
				Str("provider", task.Provider).
				Msg("Could not hand response off to the analysis queue")
		}
	}
	return nil
}

// Fail settles the task as failed with the final error recorded
func (e *Executor) Fail(ctx context.Context, task models.PromptTask, reason error, attempts int) error {
	_, err := e.store.FailTask(ctx, task.Ref(), reason.Error(), attempts)
	if err != nil {
		return fmt.Errorf("could not persist task failure: %w", err)
	}
	return nil
}
