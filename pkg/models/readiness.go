package models

// CompletenessLevel is the 5-level classification of how much of a template's
// analysis work is done.
type CompletenessLevel string

const (
	CompletenessNone        CompletenessLevel = "none"
	CompletenessMinimal     CompletenessLevel = "minimal"
	CompletenessPartial     CompletenessLevel = "partial"
	CompletenessSubstantial CompletenessLevel = "substantial"
	CompletenessComplete    CompletenessLevel = "complete"
)

// ReadinessAnalysis describes the analysis state of a template at a point in
// time. Counts and confidence stats are stored facts; everything else is
// derived on read so the same input always classifies the same way.
//
// Invariants: Analyzed <= Total and Validated <= Total.
type ReadinessAnalysis struct {
	TotalPlaceholders int     `json:"total_placeholders"`
	Analyzed          int     `json:"analyzed"`
	Validated         int     `json:"validated"`
	Failed            int     `json:"failed"`
	AvgConfidence     float64 `json:"avg_confidence"`
	MinConfidence     float64 `json:"min_confidence"`
	MaxConfidence     float64 `json:"max_confidence"`
	AgeHours          float64 `json:"age_hours"`
	SyntaxIssues      int     `json:"syntax_issues"`
	PerformanceIssues int     `json:"performance_issues"`
	BusinessIssues    int     `json:"business_issues"`
	CriticalIssues    int     `json:"critical_issues"`
}

// CompletionRatio is the fraction of placeholders with a finished analysis,
// always in [0,1].
func (r ReadinessAnalysis) CompletionRatio() float64 {
	if r.TotalPlaceholders <= 0 {
		return 0
	}
	ratio := float64(r.Analyzed) / float64(r.TotalPlaceholders)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// ValidationRatio is the fraction of placeholders whose analysis passed
// validation, always in [0,1].
func (r ReadinessAnalysis) ValidationRatio() float64 {
	if r.TotalPlaceholders <= 0 {
		return 0
	}
	ratio := float64(r.Validated) / float64(r.TotalPlaceholders)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// Completeness buckets the completion ratio into five levels. The COMPLETE
// bucket requires every placeholder analyzed, matching the completion
// requirement of ReadyForExecution.
func (r ReadinessAnalysis) Completeness() CompletenessLevel {
	ratio := r.CompletionRatio()
	switch {
	case ratio >= 1.0:
		return CompletenessComplete
	case ratio >= 0.7:
		return CompletenessSubstantial
	case ratio >= 0.4:
		return CompletenessPartial
	case ratio > 0:
		return CompletenessMinimal
	}
	return CompletenessNone
}

// ReadyForExecution reports whether phase 2 can run without any further
// analysis: full completion, >=90% validated, confident, no critical issues.
func (r ReadinessAnalysis) ReadyForExecution() bool {
	return r.CompletionRatio() >= 1.0 &&
		r.ValidationRatio() >= 0.9 &&
		r.AvgConfidence >= 0.6 &&
		r.CriticalIssues == 0
}

// PartiallyReady reports whether enough analysis exists to attempt partial or
// incremental execution.
func (r ReadinessAnalysis) PartiallyReady() bool {
	return r.CompletionRatio() >= 0.5 &&
		r.AvgConfidence >= 0.5 &&
		r.CriticalIssues == 0
}

// RequiresReanalysis reports whether the stored analysis is stale or too weak
// to trust: older than 24h, low confidence, or carrying critical issues.
func (r ReadinessAnalysis) RequiresReanalysis() bool {
	return r.AgeHours > 24 ||
		r.AvgConfidence < 0.5 ||
		r.CriticalIssues > 0
}
