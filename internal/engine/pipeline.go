package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/internal/collab"
	"github.com/reportforge/engine/internal/progress"
	"github.com/reportforge/engine/internal/store"
	"github.com/reportforge/engine/pkg/models"
)

// Recommendations attached to failed results when a clear next step exists.
const (
	RecommendFullPipeline       = "run_full_pipeline"
	RecommendFullAnalysis       = "run_full_analysis"
	RecommendManualIntervention = "manual_intervention_required"
)

// PhaseResult summarizes one executed phase.
type PhaseResult struct {
	Name      string        `json:"name"`
	Success   bool          `json:"success"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
}

// PipelineResult is the outcome of one execution attempt.
type PipelineResult struct {
	Mode           ExecutionMode `json:"mode"`
	Success        bool          `json:"success"`
	Degraded       bool          `json:"degraded"`
	OutputPath     string        `json:"output_path,omitempty"`
	Phases         []PhaseResult `json:"phases,omitempty"`
	Recommendation string        `json:"recommendation,omitempty"`
	Err            error         `json:"-"`
}

// PipelineConfig tunes pipeline behavior.
type PipelineConfig struct {
	// CacheThreshold is the cache-completeness score above which cached
	// execution runs entirely from cache.
	CacheThreshold float64
	// PartialSuccessRatio is the fraction of phase-2 sub-units that must
	// succeed for the phase to count as successful.
	PartialSuccessRatio float64
	// LowConfidence marks analyses needing re-analysis during incremental
	// updates.
	LowConfidence float64
	// ValueCacheTTL bounds how long computed placeholder values stay cached.
	ValueCacheTTL time.Duration
}

// DefaultPipelineConfig returns the standard tuning.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		CacheThreshold:      0.8,
		PartialSuccessRatio: 0.5,
		LowConfidence:       0.7,
		ValueCacheTTL:       24 * time.Hour,
	}
}

// Pipeline executes a job in a chosen mode, delegating analysis, query
// execution, and rendering to external collaborators.
type Pipeline struct {
	store    store.Store
	progress progress.Store
	cache    ValueCache
	analyzer collab.TemplateAnalyzer
	executor collab.QueryExecutor
	renderer collab.Renderer
	balancer *LoadBalancer
	recovery *RecoveryManager
	cfg      PipelineConfig
	now      func() time.Time
}

// NewPipeline creates a pipeline executor.
func NewPipeline(st store.Store, prog progress.Store, cache ValueCache,
	analyzer collab.TemplateAnalyzer, executor collab.QueryExecutor, renderer collab.Renderer,
	balancer *LoadBalancer, recovery *RecoveryManager, cfg PipelineConfig) *Pipeline {
	if cfg.PartialSuccessRatio <= 0 || cfg.PartialSuccessRatio > 1 {
		cfg.PartialSuccessRatio = 0.5
	}
	if cfg.CacheThreshold <= 0 {
		cfg.CacheThreshold = 0.8
	}
	if cfg.LowConfidence <= 0 {
		cfg.LowConfidence = 0.7
	}
	if cfg.ValueCacheTTL <= 0 {
		cfg.ValueCacheTTL = 24 * time.Hour
	}
	return &Pipeline{
		store:    st,
		progress: prog,
		cache:    cache,
		analyzer: analyzer,
		executor: executor,
		renderer: renderer,
		balancer: balancer,
		recovery: recovery,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Execute runs the job under the given plan and mode. cause is the error from
// the previous attempt when the mode was chosen by the exception path.
func (p *Pipeline) Execute(ctx context.Context, job *models.Job, plan models.ExecutionPlan, mode ExecutionMode, cause error) (*PipelineResult, error) {
	switch mode {
	case ModeFullPipeline:
		return p.runFullPipeline(ctx, job, plan)
	case ModePhase1Only:
		return p.runPhase1Only(ctx, job)
	case ModePhase2Only:
		return p.runPhase2Only(ctx, job, plan)
	case ModePartialAnalysis:
		return p.runPartialAnalysis(ctx, job, plan)
	case ModeIncrementalUpdate:
		return p.runIncrementalUpdate(ctx, job, plan)
	case ModeCachedExecution:
		return p.runCachedExecution(ctx, job, plan)
	case ModeRecovery:
		return p.recovery.Recover(ctx, job, cause)
	case ModeSmartExecution:
		return nil, fmt.Errorf("smart execution must be resolved to a concrete mode before dispatch")
	}
	return nil, fmt.Errorf("unknown execution mode %q", mode)
}

func (p *Pipeline) runFullPipeline(ctx context.Context, job *models.Job, plan models.ExecutionPlan) (*PipelineResult, error) {
	result := &PipelineResult{Mode: ModeFullPipeline}

	phase1, err := p.runPhase1(ctx, job)
	result.Phases = append(result.Phases, phase1)
	if err != nil {
		// Phase 1 failure ends the job; phase 2 is never attempted.
		result.Err = err
		return result, err
	}

	phase2, outputPath, err := p.runPhase2(ctx, job, plan)
	result.Phases = append(result.Phases, phase2)
	if err != nil {
		result.Err = err
		return result, err
	}

	result.Success = true
	result.OutputPath = outputPath
	return result, nil
}

func (p *Pipeline) runPhase1Only(ctx context.Context, job *models.Job) (*PipelineResult, error) {
	result := &PipelineResult{Mode: ModePhase1Only}

	phase1, err := p.runPhase1(ctx, job)
	result.Phases = append(result.Phases, phase1)
	if err != nil {
		result.Err = err
		return result, err
	}

	result.Success = true
	return result, nil
}

func (p *Pipeline) runPhase2Only(ctx context.Context, job *models.Job, plan models.ExecutionPlan) (*PipelineResult, error) {
	result := &PipelineResult{Mode: ModePhase2Only}

	phase2, outputPath, err := p.runPhase2(ctx, job, plan)
	result.Phases = append(result.Phases, phase2)
	if err != nil {
		result.Err = err
		return result, err
	}

	result.Success = true
	result.OutputPath = outputPath
	return result, nil
}

// runPartialAnalysis analyzes only currently-unanalyzed placeholders, highest
// priority first, then re-checks feasibility before running phase 2.
func (p *Pipeline) runPartialAnalysis(ctx context.Context, job *models.Job, plan models.ExecutionPlan) (*PipelineResult, error) {
	result := &PipelineResult{Mode: ModePartialAnalysis}

	stored, err := p.store.ListPlaceholderAnalyses(ctx, job.TemplateID)
	if err != nil {
		result.Err = err
		return result, err
	}
	known := make(map[string]bool, len(stored))
	for _, a := range stored {
		if !a.Failed {
			known[a.Name] = true
		}
	}

	fresh, err := p.analyzer.AnalyzePlaceholders(ctx, job.TemplateID)
	if err != nil {
		result.Err = err
		return result, err
	}

	var missing []models.PlaceholderAnalysis
	for _, a := range fresh {
		if !known[a.Name] {
			missing = append(missing, a)
		}
	}
	sort.SliceStable(missing, func(i, j int) bool {
		return models.PriorityRank(missing[i].Priority) > models.PriorityRank(missing[j].Priority)
	})

	start := p.now()
	persisted := 0
	for i := range missing {
		if err := p.persistAnalysis(ctx, job.TemplateID, &missing[i]); err != nil {
			slog.Warn("persisting partial analysis failed", "job_id", job.ID,
				"placeholder", missing[i].Name, "error", err)
			continue
		}
		persisted++
	}
	result.Phases = append(result.Phases, PhaseResult{
		Name:      "partial_analysis",
		Success:   true,
		Succeeded: persisted,
		Total:     len(missing),
		Duration:  p.now().Sub(start),
	})

	// Feasibility re-check with the enriched analysis set.
	updated, err := p.store.ListPlaceholderAnalyses(ctx, job.TemplateID)
	if err != nil {
		result.Err = err
		return result, err
	}
	readiness := Summarize(updated, len(fresh), p.now())
	if !readiness.ReadyForExecution() && !readiness.PartiallyReady() {
		result.Recommendation = RecommendFullPipeline
		result.Err = fmt.Errorf("%w: completion %.0f%%", ErrNotFeasible, readiness.CompletionRatio()*100)
		return result, result.Err
	}

	phase2, outputPath, err := p.runPhase2(ctx, job, plan)
	result.Phases = append(result.Phases, phase2)
	if err != nil {
		result.Err = err
		return result, err
	}

	result.Success = true
	result.OutputPath = outputPath
	return result, nil
}

// runIncrementalUpdate re-analyzes only low-confidence placeholders, then
// validates the refreshed set before phase 2.
func (p *Pipeline) runIncrementalUpdate(ctx context.Context, job *models.Job, plan models.ExecutionPlan) (*PipelineResult, error) {
	result := &PipelineResult{Mode: ModeIncrementalUpdate}

	stored, err := p.store.ListPlaceholderAnalyses(ctx, job.TemplateID)
	if err != nil {
		result.Err = err
		return result, err
	}

	needsUpdate := make(map[string]bool)
	for _, a := range stored {
		if a.Failed || a.Confidence < p.cfg.LowConfidence {
			needsUpdate[a.Name] = true
		}
	}

	start := p.now()
	updatedCount := 0
	if len(needsUpdate) > 0 {
		fresh, err := p.analyzer.AnalyzePlaceholders(ctx, job.TemplateID)
		if err != nil {
			result.Err = err
			return result, err
		}
		for i := range fresh {
			if !needsUpdate[fresh[i].Name] {
				continue
			}
			if err := p.persistAnalysis(ctx, job.TemplateID, &fresh[i]); err != nil {
				slog.Warn("persisting incremental analysis failed", "job_id", job.ID,
					"placeholder", fresh[i].Name, "error", err)
				continue
			}
			updatedCount++
		}
	}
	result.Phases = append(result.Phases, PhaseResult{
		Name:      "incremental_update",
		Success:   true,
		Succeeded: updatedCount,
		Total:     len(needsUpdate),
		Duration:  p.now().Sub(start),
	})

	// Validation: the refreshed set must be executable.
	refreshed, err := p.store.ListPlaceholderAnalyses(ctx, job.TemplateID)
	if err != nil {
		result.Err = err
		return result, err
	}
	readiness := Summarize(refreshed, 0, p.now())
	if !readiness.ReadyForExecution() && !readiness.PartiallyReady() {
		result.Recommendation = RecommendFullAnalysis
		result.Err = fmt.Errorf("%w: validation failed after incremental update", ErrNotFeasible)
		return result, result.Err
	}

	phase2, outputPath, err := p.runPhase2(ctx, job, plan)
	result.Phases = append(result.Phases, phase2)
	if err != nil {
		result.Err = err
		return result, err
	}

	result.Success = true
	result.OutputPath = outputPath
	return result, nil
}

// runCachedExecution scores cache completeness against the threshold. Above
// it, the report renders entirely from cached values; below it, a hybrid run
// uses cached values where present and executes the rest.
func (p *Pipeline) runCachedExecution(ctx context.Context, job *models.Job, plan models.ExecutionPlan) (*PipelineResult, error) {
	result := &PipelineResult{Mode: ModeCachedExecution}

	analyses, err := p.store.ListPlaceholderAnalyses(ctx, job.TemplateID)
	if err != nil {
		result.Err = err
		return result, err
	}
	units := executableUnits(analyses)
	if len(units) == 0 {
		result.Err = fmt.Errorf("%w: no executable placeholders", ErrNotFeasible)
		result.Recommendation = RecommendFullPipeline
		return result, result.Err
	}

	cached := make(map[string]json.RawMessage)
	for _, a := range units {
		v, ok, err := p.cache.GetValue(ctx, job.TemplateID, a.Name)
		if err == nil && ok {
			cached[a.Name] = v
		}
	}

	score := float64(len(cached)) / float64(len(units))
	start := p.now()

	if score >= p.cfg.CacheThreshold {
		rendered, err := p.renderer.Render(ctx, job.TemplateID, cached)
		if err != nil {
			result.Err = err
			return result, err
		}
		result.Phases = append(result.Phases, PhaseResult{
			Name:      "cached_execution",
			Success:   true,
			Succeeded: len(cached),
			Total:     len(units),
			Duration:  p.now().Sub(start),
		})
		result.Success = true
		result.OutputPath = rendered.FilePath
		return result, nil
	}

	// Hybrid: execute only what the cache is missing.
	var missing []*models.PlaceholderAnalysis
	for _, a := range units {
		if _, ok := cached[a.Name]; !ok {
			missing = append(missing, a)
		}
	}

	values, succeeded, failed := p.executeUnits(ctx, job, plan, missing)
	for name, v := range cached {
		values[name] = v
	}

	total := len(units)
	phase := PhaseResult{
		Name:      "hybrid_cached_execution",
		Succeeded: len(cached) + succeeded,
		Failed:    failed,
		Total:     total,
		Duration:  p.now().Sub(start),
	}
	phase.Success = float64(phase.Succeeded) >= p.cfg.PartialSuccessRatio*float64(total)
	result.Phases = append(result.Phases, phase)

	if !phase.Success {
		result.Err = fmt.Errorf("%w: %d/%d sub-units succeeded", ErrPhaseFailed, phase.Succeeded, total)
		return result, result.Err
	}

	rendered, err := p.renderer.Render(ctx, job.TemplateID, values)
	if err != nil {
		result.Err = err
		return result, err
	}
	result.Success = true
	result.OutputPath = rendered.FilePath
	return result, nil
}

// runPhase1 delegates template analysis and persists every derived analysis.
func (p *Pipeline) runPhase1(ctx context.Context, job *models.Job) (PhaseResult, error) {
	start := p.now()
	p.setProgress(ctx, job.ID, models.JobStatusRunning, 15, "analyzing template placeholders")

	analyses, err := p.analyzer.AnalyzePlaceholders(ctx, job.TemplateID)
	if err != nil {
		return PhaseResult{Name: "phase1", Duration: p.now().Sub(start)},
			fmt.Errorf("%w: template analysis: %v", ErrPhaseFailed, err)
	}

	persisted := 0
	for i := range analyses {
		if err := p.persistAnalysis(ctx, job.TemplateID, &analyses[i]); err != nil {
			slog.Warn("persisting analysis failed", "job_id", job.ID,
				"placeholder", analyses[i].Name, "error", err)
			continue
		}
		persisted++
	}

	phase := PhaseResult{
		Name:      "phase1",
		Success:   true,
		Succeeded: persisted,
		Total:     len(analyses),
		Duration:  p.now().Sub(start),
	}
	if persisted == 0 && len(analyses) > 0 {
		phase.Success = false
		return phase, fmt.Errorf("%w: no analyses persisted", ErrPhaseFailed)
	}

	p.setProgress(ctx, job.ID, models.JobStatusRunning, 40, "placeholder analysis complete")
	return phase, nil
}

// runPhase2 executes every placeholder query under the plan's fan-out bound
// and renders the report. Phase success needs only PartialSuccessRatio of the
// sub-units to succeed; completion order between sub-units is irrelevant.
func (p *Pipeline) runPhase2(ctx context.Context, job *models.Job, plan models.ExecutionPlan) (PhaseResult, string, error) {
	start := p.now()
	p.setProgress(ctx, job.ID, models.JobStatusRunning, 50, "extracting report data")

	analyses, err := p.store.ListPlaceholderAnalyses(ctx, job.TemplateID)
	if err != nil {
		return PhaseResult{Name: "phase2"}, "", err
	}
	units := executableUnits(analyses)
	if len(units) == 0 {
		return PhaseResult{Name: "phase2"}, "",
			fmt.Errorf("%w: no executable placeholders", ErrNotFeasible)
	}

	values, succeeded, failed := p.executeUnits(ctx, job, plan, units)

	phase := PhaseResult{
		Name:      "phase2",
		Succeeded: succeeded,
		Failed:    failed,
		Total:     len(units),
		Duration:  p.now().Sub(start),
	}
	phase.Success = float64(succeeded) >= p.cfg.PartialSuccessRatio*float64(len(units))
	if !phase.Success {
		return phase, "", fmt.Errorf("%w: %d/%d sub-units succeeded",
			ErrPhaseFailed, succeeded, len(units))
	}
	if err := ctx.Err(); err != nil {
		return phase, "", err
	}

	p.setProgress(ctx, job.ID, models.JobStatusRunning, 85, "rendering report")
	rendered, err := p.renderer.Render(ctx, job.TemplateID, values)
	if err != nil {
		phase.Success = false
		return phase, "", fmt.Errorf("%w: render: %v", ErrPhaseFailed, err)
	}

	return phase, rendered.FilePath, nil
}

// executeUnits fans placeholder executions out over the plan's worker lanes.
// Sub-units are independent; results are aggregated without any ordering
// assumption. Successful values are cached for cached execution and recovery.
func (p *Pipeline) executeUnits(ctx context.Context, job *models.Job, plan models.ExecutionPlan, units []*models.PlaceholderAnalysis) (map[string]json.RawMessage, int, int) {
	balancing := p.balancer.Distribute(job, plan, len(units))

	lanes := 0
	var sqlAllocs []Allocation
	for _, alloc := range balancing.Allocations {
		if alloc.Task.Type == models.SubTaskSQL {
			sqlAllocs = append(sqlAllocs, alloc)
			lanes++
		}
	}
	if lanes == 0 {
		lanes = 1
		sqlAllocs = append(sqlAllocs, Allocation{})
	}

	perUnitTimeout := unitTimeout(plan.Strategy, len(units))

	type unitResult struct {
		name  string
		value json.RawMessage
		ok    bool
	}

	sem := make(chan Allocation, lanes)
	for _, alloc := range sqlAllocs {
		sem <- alloc
	}

	results := make(chan unitResult, len(units))
	var wg sync.WaitGroup

	for _, unit := range units {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(a *models.PlaceholderAnalysis) {
			defer wg.Done()

			alloc := <-sem
			defer func() { sem <- alloc }()

			unitStart := time.Now()
			value, ok := p.executeOne(ctx, job, a, perUnitTimeout, plan.Strategy)
			p.balancer.Complete(alloc, time.Since(unitStart), ok)

			results <- unitResult{name: a.Name, value: value, ok: ok}
		}(unit)
	}

	wg.Wait()
	close(results)

	values := make(map[string]json.RawMessage)
	succeeded, failed := 0, 0
	for r := range results {
		if r.ok {
			succeeded++
			values[r.name] = r.value
		} else {
			failed++
		}
	}
	// Units never started (cancellation) count as failures.
	failed += len(units) - succeeded - failed

	return values, succeeded, failed
}

// executeOne resolves a single placeholder, consulting the value cache per
// the strategy's cache policy and writing fresh values back on success.
func (p *Pipeline) executeOne(ctx context.Context, job *models.Job, a *models.PlaceholderAnalysis, timeout time.Duration, strategy models.ExecutionStrategy) (json.RawMessage, bool) {
	readCache := strategy.CachePolicy == models.CacheAggressive ||
		strategy.CachePolicy == models.CacheFirst
	if readCache {
		if v, ok, err := p.cache.GetValue(ctx, job.TemplateID, a.Name); err == nil && ok {
			return v, true
		}
	}

	result, err := p.executor.Execute(ctx, collab.QueryRequest{
		Placeholder:  a.Name,
		Query:        *a.GeneratedQuery,
		DataSourceID: job.DataSourceID,
		PeriodStart:  job.PeriodStart,
		PeriodEnd:    job.PeriodEnd,
		Timeout:      timeout,
		Priority:     strategy.Priority,
	})
	if err != nil || !result.Success {
		if err != nil {
			slog.Warn("placeholder execution failed", "job_id", job.ID,
				"placeholder", a.Name, "error", err)
		}
		return nil, false
	}

	if err := p.cache.SetValue(ctx, job.TemplateID, a.Name, result.Value, p.cfg.ValueCacheTTL); err != nil {
		slog.Debug("caching placeholder value failed", "placeholder", a.Name, "error", err)
	}
	return result.Value, true
}

func (p *Pipeline) persistAnalysis(ctx context.Context, templateID uuid.UUID, a *models.PlaceholderAnalysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.TemplateID = templateID
	if a.AnalyzedAt.IsZero() {
		a.AnalyzedAt = p.now().UTC()
	}
	return p.store.UpsertPlaceholderAnalysis(ctx, a)
}

// setProgress is best-effort: progress reporting never blocks the pipeline.
func (p *Pipeline) setProgress(ctx context.Context, jobID uuid.UUID, status string, pct int, message string) {
	if err := p.progress.Set(ctx, jobID, models.ProgressRecord{
		Status:   status,
		Progress: pct,
		Message:  message,
	}); err != nil {
		slog.Warn("progress update dropped", "job_id", jobID, "error", err)
	}
}

// executableUnits filters analyses down to those phase 2 can actually run.
func executableUnits(analyses []*models.PlaceholderAnalysis) []*models.PlaceholderAnalysis {
	var units []*models.PlaceholderAnalysis
	for _, a := range analyses {
		if a.HasQuery() && !a.Failed {
			units = append(units, a)
		}
	}
	return units
}

// unitTimeout derives a per-unit deadline from the plan: the total budget
// split across execution waves, floored at 30s.
func unitTimeout(strategy models.ExecutionStrategy, unitCount int) time.Duration {
	degree := strategy.ParallelDegree
	if degree < 1 {
		degree = 1
	}
	waves := (unitCount + degree - 1) / degree
	if waves < 1 {
		waves = 1
	}
	t := strategy.Timeout / time.Duration(waves)
	if t < 30*time.Second {
		t = 30 * time.Second
	}
	return t
}
