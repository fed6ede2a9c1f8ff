// Package mock provides in-memory collaborator implementations for testing.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/reportforge/engine/internal/collab"
	"github.com/reportforge/engine/pkg/models"
)

// Analyzer satisfies collab.TemplateAnalyzer for testing.
type Analyzer struct {
	AnalyzeFunc func(ctx context.Context, templateID uuid.UUID) ([]models.PlaceholderAnalysis, error)

	mu    sync.Mutex
	Calls int
}

func (a *Analyzer) AnalyzePlaceholders(ctx context.Context, templateID uuid.UUID) ([]models.PlaceholderAnalysis, error) {
	a.mu.Lock()
	a.Calls++
	a.mu.Unlock()
	if a.AnalyzeFunc != nil {
		return a.AnalyzeFunc(ctx, templateID)
	}
	return nil, nil
}

// Executor satisfies collab.QueryExecutor for testing. Queries run
// concurrently in phase 2, so the call counter is guarded.
type Executor struct {
	ExecuteFunc func(ctx context.Context, req collab.QueryRequest) (*collab.QueryResult, error)

	mu    sync.Mutex
	Calls int
}

func (e *Executor) Execute(ctx context.Context, req collab.QueryRequest) (*collab.QueryResult, error) {
	e.mu.Lock()
	e.Calls++
	e.mu.Unlock()
	if e.ExecuteFunc != nil {
		return e.ExecuteFunc(ctx, req)
	}
	return &collab.QueryResult{Success: true, Value: json.RawMessage(`"ok"`)}, nil
}

// Renderer satisfies collab.Renderer for testing.
type Renderer struct {
	RenderFunc func(ctx context.Context, templateID uuid.UUID, values map[string]json.RawMessage) (*collab.RenderResult, error)
	Calls      int
}

func (r *Renderer) Render(ctx context.Context, templateID uuid.UUID, values map[string]json.RawMessage) (*collab.RenderResult, error) {
	r.Calls++
	if r.RenderFunc != nil {
		return r.RenderFunc(ctx, templateID, values)
	}
	return &collab.RenderResult{FilePath: "/tmp/report.docx"}, nil
}

// Notifier satisfies collab.Notifier for testing, recording every call.
type Notifier struct {
	NotifyFunc func(ctx context.Context, jobID uuid.UUID, status, message string) error
	Notified   []string
}

func (n *Notifier) Notify(ctx context.Context, jobID uuid.UUID, status, message string) error {
	n.Notified = append(n.Notified, status)
	if n.NotifyFunc != nil {
		return n.NotifyFunc(ctx, jobID, status, message)
	}
	return nil
}
