package engine

import (
	"math"
	"time"

	"github.com/reportforge/engine/pkg/models"
)

// Complexity estimation constants. The estimate is deliberately coarse: it
// feeds strategy selection, not billing.
const (
	baseAnalysisTime       = 30 * time.Second
	perPlaceholderTime     = 8 * time.Second
	deepAnalysisFactor     = 1.5
	maxParallelOpportunity = 8
)

// AnalyzeComplexity derives a complexity class and time estimate from the
// template's stored placeholder analyses. Pure function of its input: the
// same analyses always produce the same result.
func AnalyzeComplexity(analyses []*models.PlaceholderAnalysis) models.ComplexityAnalysis {
	count := len(analyses)

	deep := count == 0
	for _, a := range analyses {
		if !a.HasQuery() {
			deep = true
			break
		}
	}

	estimate := baseAnalysisTime + time.Duration(count)*perPlaceholderTime
	if deep {
		estimate = time.Duration(float64(estimate) * deepAnalysisFactor)
	}

	return models.ComplexityAnalysis{
		Level:                complexityLevel(count),
		EstimatedDuration:    estimate,
		RequiresDeepAnalysis: deep,
		DataVolume:           dataVolume(count),
		ParallelOpportunity:  parallelOpportunity(count),
	}
}

func complexityLevel(count int) models.ComplexityLevel {
	switch {
	case count <= 5:
		return models.ComplexityLow
	case count <= 20:
		return models.ComplexityMedium
	case count <= 50:
		return models.ComplexityHigh
	}
	return models.ComplexityVeryHigh
}

func dataVolume(count int) models.DataVolumeClass {
	switch {
	case count <= 10:
		return models.DataVolumeSmall
	case count <= 40:
		return models.DataVolumeMedium
	}
	return models.DataVolumeLarge
}

// parallelOpportunity grows sub-linearly with placeholder count and caps at 8.
func parallelOpportunity(count int) int {
	if count <= 1 {
		return 1
	}
	n := int(math.Ceil(math.Sqrt(float64(count))))
	if n > maxParallelOpportunity {
		return maxParallelOpportunity
	}
	return n
}
