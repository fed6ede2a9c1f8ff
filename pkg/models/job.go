// Package models contains shared data models used across the engine codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job tracks one report-generation request end to end. The API returns a
// job_id on POST /api/v1/reports; clients poll GET /api/v1/reports/{job_id}
// until the status is terminal. A retry never reuses a finished attempt —
// it starts a new execution attempt under the same job ID.
type Job struct {
	ID           uuid.UUID  `db:"id"             json:"id"`
	Owner        string     `db:"owner"          json:"owner"`
	TemplateID   uuid.UUID  `db:"template_id"    json:"template_id"`
	DataSourceID uuid.UUID  `db:"data_source_id" json:"data_source_id"`
	PeriodStart  time.Time  `db:"period_start"   json:"period_start"`
	PeriodEnd    time.Time  `db:"period_end"     json:"period_end"`
	Status       string     `db:"status"         json:"status"`
	RetryCount   int        `db:"retry_count"    json:"retry_count"`
	Enabled      bool       `db:"enabled"        json:"enabled"`
	ForceFull    bool       `db:"force_full"     json:"force_full"`
	ErrorMessage *string    `db:"error_message"  json:"error_message,omitempty"`
	OutputPath   *string    `db:"output_path"    json:"output_path,omitempty"`
	StartedAt    *time.Time `db:"started_at"     json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"     json:"updated_at"`
}

// IsTerminal reports whether the job has reached a final status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ExecutionRecord is one row of execution history for a job. The recovery
// chain reads the most recent successful record when rebuilding output.
type ExecutionRecord struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	JobID       uuid.UUID  `db:"job_id"       json:"job_id"`
	TemplateID  uuid.UUID  `db:"template_id"  json:"template_id"`
	Mode        string     `db:"mode"         json:"mode"`
	Success     bool       `db:"success"      json:"success"`
	OutputPath  *string    `db:"output_path"  json:"output_path,omitempty"`
	DurationMS  int64      `db:"duration_ms"  json:"duration_ms"`
	ErrorDetail *string    `db:"error_detail" json:"error_detail,omitempty"`
	StartedAt   time.Time  `db:"started_at"   json:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"  json:"finished_at,omitempty"`
}
