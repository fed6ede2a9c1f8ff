package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/internal/collab"
	"github.com/reportforge/engine/internal/store"
	"github.com/reportforge/engine/pkg/models"
)

// ValueCache holds previously computed placeholder values. Backed by Redis in
// production; cached execution and the first recovery tier both read it.
type ValueCache interface {
	GetValue(ctx context.Context, templateID uuid.UUID, name string) (json.RawMessage, bool, error)
	SetValue(ctx context.Context, templateID uuid.UUID, name string, value json.RawMessage, ttl time.Duration) error
}

// RecoveryManager runs the ordered fallback chain: cached values, then the
// last successful run from history, then a minimal degraded execution. The
// first tier that succeeds wins.
type RecoveryManager struct {
	store    store.Store
	cache    ValueCache
	executor collab.QueryExecutor
	renderer collab.Renderer

	// minCacheCoverage is the fraction of placeholders that must have cached
	// values for the cache tier to qualify.
	minCacheCoverage float64
	now              func() time.Time
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(st store.Store, cache ValueCache, executor collab.QueryExecutor, renderer collab.Renderer) *RecoveryManager {
	return &RecoveryManager{
		store:            st,
		cache:            cache,
		executor:         executor,
		renderer:         renderer,
		minCacheCoverage: 0.5,
		now:              time.Now,
	}
}

// Recover attempts each tier in order and returns the first success.
// Exhausting every tier returns a failed result carrying the original cause
// and a manual-intervention recommendation.
func (m *RecoveryManager) Recover(ctx context.Context, job *models.Job, cause error) (*PipelineResult, error) {
	analyses, err := m.store.ListPlaceholderAnalyses(ctx, job.TemplateID)
	if err != nil {
		slog.Warn("recovery could not load analyses", "job_id", job.ID, "error", err)
	}

	if result := m.fromCache(ctx, job, analyses); result != nil {
		return result, nil
	}
	if result := m.fromHistory(ctx, job); result != nil {
		return result, nil
	}
	if result := m.minimalExecution(ctx, job, analyses); result != nil {
		return result, nil
	}

	return &PipelineResult{
		Mode:           ModeRecovery,
		Success:        false,
		Recommendation: RecommendManualIntervention,
		Err:            fmt.Errorf("%w: %v", ErrRecoveryExhausted, cause),
	}, nil
}

// fromCache renders the report entirely from cached placeholder values,
// provided enough of them are present.
func (m *RecoveryManager) fromCache(ctx context.Context, job *models.Job, analyses []*models.PlaceholderAnalysis) *PipelineResult {
	if len(analyses) == 0 {
		return nil
	}

	values := make(map[string]json.RawMessage)
	for _, a := range analyses {
		v, ok, err := m.cache.GetValue(ctx, job.TemplateID, a.Name)
		if err != nil || !ok {
			continue
		}
		values[a.Name] = v
	}

	coverage := float64(len(values)) / float64(len(analyses))
	if coverage < m.minCacheCoverage {
		return nil
	}

	rendered, err := m.renderer.Render(ctx, job.TemplateID, values)
	if err != nil {
		slog.Warn("cache recovery render failed", "job_id", job.ID, "error", err)
		return nil
	}

	slog.Info("recovered from cache", "job_id", job.ID, "coverage", coverage)
	return &PipelineResult{
		Mode:       ModeRecovery,
		Success:    true,
		OutputPath: rendered.FilePath,
		Degraded:   true,
		Phases: []PhaseResult{{
			Name:      "cache_recovery",
			Success:   true,
			Succeeded: len(values),
			Total:     len(analyses),
		}},
	}
}

// fromHistory reuses the output of the job's last successful run.
func (m *RecoveryManager) fromHistory(ctx context.Context, job *models.Job) *PipelineResult {
	rec, err := m.store.LatestSuccessfulRun(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("history recovery lookup failed", "job_id", job.ID, "error", err)
		}
		return nil
	}
	if rec.OutputPath == nil || *rec.OutputPath == "" {
		return nil
	}

	slog.Info("recovered from history", "job_id", job.ID, "record_id", rec.ID)
	return &PipelineResult{
		Mode:       ModeRecovery,
		Success:    true,
		OutputPath: *rec.OutputPath,
		Degraded:   true,
		Phases: []PhaseResult{{
			Name:    "history_recovery",
			Success: true,
		}},
	}
}

// minimalExecution runs a degraded phase 2: only validated placeholders, one
// at a time, capped count, short timeouts, all failures tolerated.
func (m *RecoveryManager) minimalExecution(ctx context.Context, job *models.Job, analyses []*models.PlaceholderAnalysis) *PipelineResult {
	const maxUnits = 5
	const unitTimeout = 30 * time.Second

	values := make(map[string]json.RawMessage)
	attempted := 0
	for _, a := range analyses {
		if !a.Validated || !a.HasQuery() || a.Failed {
			continue
		}
		if attempted >= maxUnits {
			break
		}
		attempted++

		result, err := m.executor.Execute(ctx, collab.QueryRequest{
			Placeholder:  a.Name,
			Query:        *a.GeneratedQuery,
			DataSourceID: job.DataSourceID,
			PeriodStart:  job.PeriodStart,
			PeriodEnd:    job.PeriodEnd,
			Timeout:      unitTimeout,
			Priority:     models.PriorityNormal,
		})
		if err != nil || !result.Success {
			continue
		}
		values[a.Name] = result.Value
	}

	if len(values) == 0 {
		return nil
	}

	rendered, err := m.renderer.Render(ctx, job.TemplateID, values)
	if err != nil {
		slog.Warn("minimal execution render failed", "job_id", job.ID, "error", err)
		return nil
	}

	slog.Info("recovered via minimal execution", "job_id", job.ID, "resolved", len(values))
	return &PipelineResult{
		Mode:       ModeRecovery,
		Success:    true,
		OutputPath: rendered.FilePath,
		Degraded:   true,
		Phases: []PhaseResult{{
			Name:      "minimal_execution",
			Success:   true,
			Succeeded: len(values),
			Total:     attempted,
		}},
	}
}
