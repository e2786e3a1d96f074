package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// This file contains all the models under the `batch` schema

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a final one. Terminal jobs are read-only.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// BatchJob is a model representing the `batch.job` table. One row exists per
// organization per run window and is never deleted.
type BatchJob struct {
	ID             int64       `db:"id" json:"id"`
	OrgID          int64       `db:"org_id" json:"orgId"`
	RunWindow      string      `db:"run_window" json:"runWindow"` // UTC date, YYYY-MM-DD
	Status         JobStatus   `db:"status" json:"status"`
	TotalTasks     int         `db:"total_tasks" json:"totalTasks"`
	CompletedTasks int         `db:"completed_tasks" json:"completedTasks"`
	FailedTasks    int         `db:"failed_tasks" json:"failedTasks"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	StartedAt      null.Time   `db:"started_at" json:"startedAt"`
	FinishedAt     null.Time   `db:"finished_at" json:"finishedAt"`
	DriverActive   bool        `db:"driver_active" json:"driverActive"`
	DriverID       null.String `db:"driver_id" json:"driverId"`
	DriverLastPing null.Time   `db:"driver_last_ping" json:"driverLastPing"`
	RunCount       int         `db:"run_count" json:"runCount"`
}

// Drained reports whether every task has reached a terminal per-task state.
// A drained job may still carry a non-terminal status if the driver died before
// its final write.
func (j *BatchJob) Drained() bool {
	return j.CompletedTasks+j.FailedTasks >= j.TotalTasks
}

// FinalStatus returns the terminal status a drained job should be given.
// Partial task failure is a normal outcome and still counts as completed; the
// job-level failed status is reserved for runs where nothing succeeded at all.
func (j *BatchJob) FinalStatus() JobStatus {
	if j.TotalTasks > 0 && j.CompletedTasks == 0 && j.FailedTasks >= j.TotalTasks {
		return JobFailed
	}
	return JobCompleted
}

// TaskRef is the identity triple of a task. It is the idempotency key for all
// counter mutations on the parent job.
type TaskRef struct {
	JobID    int64  `db:"job_id" json:"jobId"`
	PromptID int64  `db:"prompt_id" json:"promptId"`
	Provider string `db:"provider" json:"provider"`
}

// PromptTask is a model representing the `batch.task` table
type PromptTask struct {
	JobID       int64       `db:"job_id" json:"jobId"`
	PromptID    int64       `db:"prompt_id" json:"promptId"`
	Provider    string      `db:"provider" json:"provider"`
	Status      TaskStatus  `db:"status" json:"status"`
	Attempts    int         `db:"attempts" json:"attempts"`
	LastError   null.String `db:"last_error" json:"lastError"`
	Response    null.String `db:"response" json:"response"`
	Model       null.String `db:"model" json:"model"`
	CompletedAt null.Time   `db:"completed_at" json:"completedAt"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	PromptText  string      `db:"prompt_text" json:"promptText"` // joined from batch.prompt
}

// Ref returns the task's identity triple
func (t *PromptTask) Ref() TaskRef {
	return TaskRef{JobID: t.JobID, PromptID: t.PromptID, Provider: t.Provider}
}

// Organization is a model representing the `batch.organization` table. The
// engine only reads these rows; subscription management lives elsewhere.
type Organization struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Tier     string `db:"tier" json:"tier"`
	IsActive bool   `db:"is_active" json:"isActive"`
}

// ProviderBudget returns how many providers the organization's subscription
// tier allows per prompt.
func (o *Organization) ProviderBudget() int {
	switch o.Tier {
	case "pro":
		return 4
	case "growth":
		return 3
	default:
		return 2
	}
}

// TrackedPrompt is a model representing the `batch.prompt` table
type TrackedPrompt struct {
	ID       int64  `db:"id" json:"id"`
	OrgID    int64  `db:"org_id" json:"orgId"`
	Text     string `db:"text" json:"text"`
	IsActive bool   `db:"is_active" json:"isActive"`
}

// Window formats t as the run window key used for the daily duplicate guard
func Window(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
