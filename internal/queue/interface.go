package queue

import (
	"context"
	"time"
)

// Drive reasons
const (
	ReasonScheduled = "scheduled"
	ReasonResumed   = "resumed"
)

// DriveMessage asks a driver process to pick up a job. The scheduler publishes
// one when a job is created; the reconciler publishes one when a stale job
// still has pending tasks.
type DriveMessage struct {
	JobID    int64     `json:"job_id"`
	Reason   string    `json:"reason"`
	QueuedAt time.Time `json:"queued_at"`
}

// ResultMessage hands a completed task's raw response to the analysis
// pipeline. The engine does not wait for, or depend on, the consumer.
type ResultMessage struct {
	JobID      int64     `json:"job_id"`
	PromptID   int64     `json:"prompt_id"`
	Provider   string    `json:"provider"`
	Response   string    `json:"response"`
	Model      string    `json:"model"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Client defines the interface for queue operations
type Client interface {
	PublishDrive(ctx context.Context, message DriveMessage) error
	SubscribeDrive(ctx context.Context, handler func(DriveMessage)) error
	PublishResult(ctx context.Context, message ResultMessage) error
	Close() error
}
