// Package collab defines the contracts for the external services the engine
// delegates to: template analysis, per-placeholder query execution, report
// rendering, and best-effort notification delivery. The engine never talks to
// these services directly — always through these interfaces.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/pkg/models"
)

// Sentinel errors for collaborator failures.
var (
	ErrUnreachable  = errors.New("collaborator unreachable")
	ErrTimeout      = errors.New("collaborator timeout")
	ErrUnauthorized = errors.New("collaborator rejected credentials")
	ErrBadResponse  = errors.New("collaborator returned invalid response")
)

// TemplateAnalyzer derives per-placeholder analyses for a template.
// AnalyzePlaceholders must be idempotent and safe to call repeatedly.
type TemplateAnalyzer interface {
	AnalyzePlaceholders(ctx context.Context, templateID uuid.UUID) ([]models.PlaceholderAnalysis, error)
}

// QueryRequest is one per-placeholder execution request. Timeout and Priority
// come from the execution plan, not from the placeholder itself.
type QueryRequest struct {
	Placeholder  string
	Query        string
	DataSourceID uuid.UUID
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Timeout      time.Duration
	Priority     models.JobPriority
}

// QueryResult is the outcome of one per-placeholder execution.
type QueryResult struct {
	Success       bool            `json:"success"`
	Value         json.RawMessage `json:"value,omitempty"`
	CacheHit      bool            `json:"cache_hit"`
	ExecutionTime time.Duration   `json:"execution_time"`
	Error         string          `json:"error,omitempty"`
}

// QueryExecutor runs one placeholder's query against a data source.
type QueryExecutor interface {
	Execute(ctx context.Context, req QueryRequest) (*QueryResult, error)
}

// RenderResult is the outcome of a render call.
type RenderResult struct {
	FilePath string `json:"file_path"`
}

// Renderer produces the final report document from resolved placeholder
// values.
type Renderer interface {
	Render(ctx context.Context, templateID uuid.UUID, values map[string]json.RawMessage) (*RenderResult, error)
}

// Notifier delivers best-effort notifications about job state changes.
// Failures must never affect pipeline control flow.
type Notifier interface {
	Notify(ctx context.Context, jobID uuid.UUID, status, message string) error
}
