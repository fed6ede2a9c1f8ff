package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/reportforge/engine/pkg/models"
)

func strPtr(s string) *string { return &s }

// makeAnalyses builds n analyses with the given confidence, all validated and
// carrying a query, analyzed at the given time.
func makeAnalyses(n int, confidence float64, at time.Time) []*models.PlaceholderAnalysis {
	out := make([]*models.PlaceholderAnalysis, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &models.PlaceholderAnalysis{
			ID:             uuid.New(),
			Name:           "metric_" + string(rune('a'+i%26)),
			Priority:       models.PlaceholderPriorityMedium,
			Confidence:     confidence,
			GeneratedQuery: strPtr("SELECT 1"),
			Validated:      true,
			AnalyzedAt:     at,
		})
	}
	return out
}

func TestSummarize_Empty(t *testing.T) {
	ra := Summarize(nil, 0, time.Now())

	assert.Equal(t, 0, ra.TotalPlaceholders)
	assert.Equal(t, 0, ra.Analyzed)
	assert.Equal(t, 0.0, ra.CompletionRatio())
	assert.Equal(t, models.CompletenessNone, ra.Completeness())
	assert.False(t, ra.ReadyForExecution())
}

func TestSummarize_AllAnalyzedAndValidated(t *testing.T) {
	now := time.Now()
	ra := Summarize(makeAnalyses(5, 0.9, now.Add(-time.Hour)), 5, now)

	assert.Equal(t, 5, ra.Analyzed)
	assert.Equal(t, 5, ra.Validated)
	assert.Equal(t, 1.0, ra.CompletionRatio())
	assert.Equal(t, 1.0, ra.ValidationRatio())
	assert.InDelta(t, 0.9, ra.AvgConfidence, 1e-9)
	assert.InDelta(t, 1.0, ra.AgeHours, 0.01)
	assert.Equal(t, models.CompletenessComplete, ra.Completeness())
	assert.True(t, ra.ReadyForExecution())
}

func TestSummarize_FailedAnalysesDoNotCountAsAnalyzed(t *testing.T) {
	now := time.Now()
	analyses := makeAnalyses(4, 0.8, now)
	analyses = append(analyses, &models.PlaceholderAnalysis{
		ID:     uuid.New(),
		Name:   "broken",
		Failed: true,
	})

	ra := Summarize(analyses, 5, now)

	assert.Equal(t, 4, ra.Analyzed)
	assert.Equal(t, 1, ra.Failed)
	assert.InDelta(t, 0.8, ra.CompletionRatio(), 1e-9)
}

func TestSummarize_RatiosStayWithinBounds(t *testing.T) {
	// The collaborator reports fewer placeholders than were analyzed earlier.
	now := time.Now()
	ra := Summarize(makeAnalyses(10, 0.9, now), 5, now)

	assert.LessOrEqual(t, ra.Analyzed, ra.TotalPlaceholders)
	assert.LessOrEqual(t, ra.Validated, ra.TotalPlaceholders)
	assert.LessOrEqual(t, ra.CompletionRatio(), 1.0)
	assert.LessOrEqual(t, ra.ValidationRatio(), 1.0)
	assert.GreaterOrEqual(t, ra.CompletionRatio(), 0.0)
}

func TestSummarize_IssueCounts(t *testing.T) {
	now := time.Now()
	analyses := makeAnalyses(2, 0.9, now)
	analyses[0].Issues = []models.AnalysisIssue{
		{Type: models.IssueTypeSyntax, Severity: models.IssueSeverityCritical},
		{Type: models.IssueTypePerformance, Severity: models.IssueSeverityWarning},
	}
	analyses[1].Issues = []models.AnalysisIssue{
		{Type: models.IssueTypeBusinessLogic, Severity: models.IssueSeverityInfo},
	}

	ra := Summarize(analyses, 2, now)

	assert.Equal(t, 1, ra.SyntaxIssues)
	assert.Equal(t, 1, ra.PerformanceIssues)
	assert.Equal(t, 1, ra.BusinessIssues)
	assert.Equal(t, 1, ra.CriticalIssues)
	assert.False(t, ra.ReadyForExecution(), "critical issues block execution")
}

func TestCompleteness_Buckets(t *testing.T) {
	tests := []struct {
		name     string
		analyzed int
		total    int
		want     models.CompletenessLevel
	}{
		{"none", 0, 10, models.CompletenessNone},
		{"minimal", 3, 10, models.CompletenessMinimal},
		{"partial lower bound", 4, 10, models.CompletenessPartial},
		{"partial upper bound", 6, 10, models.CompletenessPartial},
		{"substantial lower bound", 7, 10, models.CompletenessSubstantial},
		{"substantial at 80 percent", 8, 10, models.CompletenessSubstantial},
		{"complete requires all", 10, 10, models.CompletenessComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ra := models.ReadinessAnalysis{TotalPlaceholders: tt.total, Analyzed: tt.analyzed}
			assert.Equal(t, tt.want, ra.Completeness())
		})
	}
}

func TestRequiresReanalysis(t *testing.T) {
	tests := []struct {
		name string
		ra   models.ReadinessAnalysis
		want bool
	}{
		{"fresh and confident", models.ReadinessAnalysis{AgeHours: 2, AvgConfidence: 0.9}, false},
		{"stale", models.ReadinessAnalysis{AgeHours: 25, AvgConfidence: 0.9}, true},
		{"low confidence", models.ReadinessAnalysis{AgeHours: 2, AvgConfidence: 0.4}, true},
		{"critical issues", models.ReadinessAnalysis{AgeHours: 2, AvgConfidence: 0.9, CriticalIssues: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ra.RequiresReanalysis())
		})
	}
}
