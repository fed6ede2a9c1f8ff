package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reportforge/engine/internal/collab"
	"github.com/reportforge/engine/pkg/models"
)

func allFlags() ModeConfig {
	return ModeConfig{EnablePartialAnalysis: true, EnableRecovery: true}
}

func TestSelectMode_ReadyTemplateSkipsAnalysis(t *testing.T) {
	// Fully analyzed, validated, confident template: execution only.
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: 5,
		Analyzed:          5,
		Validated:         5,
		AvgConfidence:     0.9,
		AgeHours:          1,
	}

	assert.Equal(t, ModePhase2Only, SelectMode(ra, false, nil, allFlags()))
}

func TestSelectMode_NothingAnalyzed(t *testing.T) {
	ra := models.ReadinessAnalysis{TotalPlaceholders: 10}

	assert.Equal(t, ModeFullPipeline, SelectMode(ra, false, nil, allFlags()))
}

func TestSelectMode_SubstantialCompletionGoesIncremental(t *testing.T) {
	// 8 of 10 analyzed at 0.8 confidence: substantial, so only the gap is
	// re-analyzed.
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: 10,
		Analyzed:          8,
		Validated:         8,
		AvgConfidence:     0.8,
		AgeHours:          2,
	}

	assert.Equal(t, ModeIncrementalUpdate, SelectMode(ra, false, nil, allFlags()))
}

func TestSelectMode_PartialCompletionGoesPartialAnalysis(t *testing.T) {
	// 5 of 10: enough for partial work but below the substantial bucket.
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: 10,
		Analyzed:          5,
		Validated:         5,
		AvgConfidence:     0.8,
		AgeHours:          2,
	}

	assert.Equal(t, ModePartialAnalysis, SelectMode(ra, false, nil, allFlags()))
}

func TestSelectMode_PartialAnalysisDisabled(t *testing.T) {
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: 10,
		Analyzed:          5,
		Validated:         5,
		AvgConfidence:     0.8,
		AgeHours:          2,
	}
	cfg := ModeConfig{EnablePartialAnalysis: false, EnableRecovery: true}

	// Without partial analysis the selector falls through to full pipeline.
	assert.Equal(t, ModeFullPipeline, SelectMode(ra, false, nil, cfg))
}

func TestSelectMode_ForceFullOverridesReadiness(t *testing.T) {
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: 5,
		Analyzed:          5,
		Validated:         5,
		AvgConfidence:     0.9,
		AgeHours:          1,
	}

	assert.Equal(t, ModeFullPipeline, SelectMode(ra, true, nil, allFlags()))
}

func TestSelectMode_StaleAnalysisForcesFullPipeline(t *testing.T) {
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: 10,
		Analyzed:          3,
		AvgConfidence:     0.9,
		AgeHours:          30,
	}

	assert.Equal(t, ModeFullPipeline, SelectMode(ra, false, nil, allFlags()))
}

func TestSelectMode_ConnectivityErrorUsesCache(t *testing.T) {
	ra := models.ReadinessAnalysis{TotalPlaceholders: 5, Analyzed: 5}
	err := collab.ErrUnreachable

	assert.Equal(t, ModeCachedExecution, SelectMode(ra, false, err, allFlags()))

	// With recovery disabled the error path routes to the recovery mode,
	// which then fails fast instead of silently serving stale data.
	cfg := ModeConfig{EnablePartialAnalysis: true, EnableRecovery: false}
	assert.Equal(t, ModeRecovery, SelectMode(ra, false, err, cfg))
}

func TestSelectMode_TimeoutGoesToRecovery(t *testing.T) {
	ra := models.ReadinessAnalysis{TotalPlaceholders: 5, Analyzed: 5}

	assert.Equal(t, ModeRecovery, SelectMode(ra, false, collab.ErrTimeout, allFlags()))
}

func TestSelectMode_PermissionErrorGoesToRecovery(t *testing.T) {
	ra := models.ReadinessAnalysis{TotalPlaceholders: 5, Analyzed: 5}

	assert.Equal(t, ModeRecovery, SelectMode(ra, false, collab.ErrUnauthorized, allFlags()))
}

func TestSelectMode_CriticalErrorFallsBackToFullPipeline(t *testing.T) {
	ra := models.ReadinessAnalysis{TotalPlaceholders: 5, Analyzed: 5}
	err := errors.New("data corruption detected")

	assert.Equal(t, ModeFullPipeline, SelectMode(ra, false, err, allFlags()))
}

func TestSelectMode_Idempotent(t *testing.T) {
	// Identical inputs always produce identical modes; no hidden state.
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: 10,
		Analyzed:          8,
		Validated:         8,
		AvgConfidence:     0.8,
		AgeHours:          2,
	}

	first := SelectMode(ra, false, nil, allFlags())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, SelectMode(ra, false, nil, allFlags()))
	}
}
