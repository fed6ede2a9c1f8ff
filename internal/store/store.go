package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	IncrementJobRetry(ctx context.Context, id uuid.UUID) error

	UpsertPlaceholderAnalysis(ctx context.Context, analysis *models.PlaceholderAnalysis) error
	ListPlaceholderAnalyses(ctx context.Context, templateID uuid.UUID) ([]*models.PlaceholderAnalysis, error)

	CreateExecutionRecord(ctx context.Context, rec *models.ExecutionRecord) error
	LatestSuccessfulRun(ctx context.Context, jobID uuid.UUID) (*models.ExecutionRecord, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Owner  string
	Status string
	Since  time.Time
	Page   int
	Limit  int
}

type jobUpdateParams struct {
	ErrorMessage *string
	OutputPath   *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithOutputPath(path string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.OutputPath = &path
	}
}

func WithStartedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.StartedAt = &t
	}
}

func WithCompletedAt(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CompletedAt = &t
	}
}
