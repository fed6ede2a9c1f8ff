package engine

import (
	"log/slog"
	"time"

	"github.com/reportforge/engine/pkg/models"
)

const (
	minParallelDegree = 1
	maxParallelDegree = 8
	minTimeout        = 15 * time.Minute
)

// fallbackStrategy is returned when strategy selection hits an internal
// error. Selection must never fail the caller.
func fallbackStrategy() models.ExecutionStrategy {
	return models.ExecutionStrategy{
		ParallelDegree:    1,
		CachePolicy:       models.CacheBalanced,
		Priority:          models.PriorityNormal,
		EstimatedDuration: 5 * time.Minute,
		MaxRetries:        2,
		Timeout:           30 * time.Minute,
	}
}

// SelectStrategy combines complexity and current load into a concrete
// execution strategy. The base mapping comes from the complexity level; load
// adjustments apply afterwards in a fixed precedence order.
func SelectStrategy(complexity models.ComplexityAnalysis, load models.SystemLoadSample) models.ExecutionStrategy {
	s, ok := baseStrategy(complexity.Level)
	if !ok {
		slog.Warn("unknown complexity level, using fallback strategy", "level", complexity.Level)
		return fallbackStrategy()
	}

	s.EstimatedDuration = complexity.EstimatedDuration

	// Load adjustments, in precedence order.
	switch {
	case load.CPUPercent > 80:
		s.ParallelDegree -= 2
		s.CachePolicy = models.CacheFirst
	case load.MemoryPercent > 85:
		s.CachePolicy = models.CacheFirst
	case load.CPUPercent < 30 && load.MemoryPercent < 50:
		s.ParallelDegree += 2
	}

	if complexity.RequiresDeepAnalysis && load.CPUPercent > 70 {
		s.CachePolicy = models.CacheFirst
		s.ParallelDegree--
	}

	if s.ParallelDegree < minParallelDegree {
		s.ParallelDegree = minParallelDegree
	}
	if s.ParallelDegree > maxParallelDegree {
		s.ParallelDegree = maxParallelDegree
	}

	s.Timeout = 2 * s.EstimatedDuration
	if s.Timeout < minTimeout {
		s.Timeout = minTimeout
	}

	return s
}

func baseStrategy(level models.ComplexityLevel) (models.ExecutionStrategy, bool) {
	s := models.ExecutionStrategy{MaxRetries: 3}
	switch level {
	case models.ComplexityLow:
		s.ParallelDegree = 1
		s.CachePolicy = models.CacheBalanced
		s.Priority = models.PriorityNormal
	case models.ComplexityMedium:
		s.ParallelDegree = 2
		s.CachePolicy = models.CacheAggressive
		s.Priority = models.PriorityNormal
	case models.ComplexityHigh:
		s.ParallelDegree = 3
		s.CachePolicy = models.CacheAggressive
		s.Priority = models.PriorityHigh
	case models.ComplexityVeryHigh:
		s.ParallelDegree = 5
		s.CachePolicy = models.CacheAggressive
		s.Priority = models.PriorityHigh
	default:
		return models.ExecutionStrategy{}, false
	}
	return s, true
}

// BuildPlan wraps a strategy in an immutable execution plan. A retry builds a
// new plan rather than mutating this one.
func BuildPlan(job *models.Job, strategy models.ExecutionStrategy, now time.Time) models.ExecutionPlan {
	workerType := "standard"
	memoryMB := 512
	if strategy.Priority == models.PriorityHigh {
		workerType = "dedicated"
		memoryMB = 1024
	}

	return models.ExecutionPlan{
		JobID:       job.ID,
		Strategy:    strategy,
		ScheduledAt: now,
		Resources: models.ResourceAllocation{
			CPUWeight:  strategy.ParallelDegree,
			MemoryMB:   memoryMB,
			WorkerType: workerType,
		},
	}
}
