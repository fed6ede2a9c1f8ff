package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/internal/store"
	"github.com/reportforge/engine/pkg/models"
)

// ReadinessAnalyzer computes how much of a template's analysis work is
// already done, from the stored placeholder analyses.
type ReadinessAnalyzer struct {
	store store.Store
	now   func() time.Time
}

// NewReadinessAnalyzer creates a readiness analyzer.
func NewReadinessAnalyzer(st store.Store) *ReadinessAnalyzer {
	return &ReadinessAnalyzer{store: st, now: time.Now}
}

// Analyze loads the template's analyses and summarizes them. totalExpected is
// the placeholder count reported by the template; when zero, the stored
// analysis count is used as the total.
func (r *ReadinessAnalyzer) Analyze(ctx context.Context, templateID uuid.UUID, totalExpected int) (models.ReadinessAnalysis, []*models.PlaceholderAnalysis, error) {
	analyses, err := r.store.ListPlaceholderAnalyses(ctx, templateID)
	if err != nil {
		return models.ReadinessAnalysis{}, nil, err
	}
	return Summarize(analyses, totalExpected, r.now()), analyses, nil
}

// Summarize reduces a set of placeholder analyses to a ReadinessAnalysis.
// Exposed separately so the selector can be tested without a store.
func Summarize(analyses []*models.PlaceholderAnalysis, totalExpected int, now time.Time) models.ReadinessAnalysis {
	ra := models.ReadinessAnalysis{
		TotalPlaceholders: totalExpected,
		MinConfidence:     1,
	}

	var (
		confSum float64
		latest  time.Time
	)

	for _, a := range analyses {
		if a.Failed {
			ra.Failed++
			continue
		}
		ra.Analyzed++
		if a.Validated {
			ra.Validated++
		}

		confSum += a.Confidence
		if a.Confidence < ra.MinConfidence {
			ra.MinConfidence = a.Confidence
		}
		if a.Confidence > ra.MaxConfidence {
			ra.MaxConfidence = a.Confidence
		}
		if a.AnalyzedAt.After(latest) {
			latest = a.AnalyzedAt
		}

		for _, issue := range a.Issues {
			switch issue.Type {
			case models.IssueTypeSyntax:
				ra.SyntaxIssues++
			case models.IssueTypePerformance:
				ra.PerformanceIssues++
			case models.IssueTypeBusinessLogic:
				ra.BusinessIssues++
			}
			if issue.Severity == models.IssueSeverityCritical {
				ra.CriticalIssues++
			}
		}
	}

	if ra.TotalPlaceholders <= 0 {
		ra.TotalPlaceholders = ra.Analyzed + ra.Failed
	}
	// Counts can never exceed the total, even if the collaborator reports a
	// smaller template than what was analyzed earlier.
	if ra.Analyzed > ra.TotalPlaceholders {
		ra.Analyzed = ra.TotalPlaceholders
	}
	if ra.Validated > ra.TotalPlaceholders {
		ra.Validated = ra.TotalPlaceholders
	}

	if ra.Analyzed > 0 {
		ra.AvgConfidence = confSum / float64(ra.Analyzed)
		ra.AgeHours = now.Sub(latest).Hours()
	} else {
		ra.MinConfidence = 0
	}

	return ra
}
