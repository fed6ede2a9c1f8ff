package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportforge/engine/pkg/models"
)

func planWithDegree(jobID uuid.UUID, degree int) models.ExecutionPlan {
	return models.ExecutionPlan{
		JobID:    jobID,
		Strategy: models.ExecutionStrategy{ParallelDegree: degree},
	}
}

func countByType(allocs []Allocation) map[models.SubTaskType]int {
	counts := map[models.SubTaskType]int{}
	for _, a := range allocs {
		counts[a.Task.Type]++
	}
	return counts
}

func TestDistribute_TaskCounts(t *testing.T) {
	tests := []struct {
		name     string
		degree   int
		sqlUnits int
		analysis int
		sql      int
	}{
		{"degree one", 1, 10, 1, 1},
		{"degree three", 3, 10, 2, 3},
		{"degree eight caps analysis and sql", 8, 10, 2, 4},
		{"sql capped by available units", 6, 2, 2, 2},
		{"no sql units", 4, 0, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLoadBalancer(4)
			job := &models.Job{ID: uuid.New()}

			result := b.Distribute(job, planWithDegree(job.ID, tt.degree), tt.sqlUnits)
			counts := countByType(result.Allocations)

			assert.Equal(t, tt.analysis, counts[models.SubTaskAnalysis])
			assert.Equal(t, tt.sql, counts[models.SubTaskSQL])
			assert.Equal(t, 1, counts[models.SubTaskCompile], "always exactly one compile task")
		})
	}
}

func TestDistribute_PrioritiesByType(t *testing.T) {
	b := NewLoadBalancer(2)
	job := &models.Job{ID: uuid.New()}

	result := b.Distribute(job, planWithDegree(job.ID, 4), 4)

	for _, alloc := range result.Allocations {
		switch alloc.Task.Type {
		case models.SubTaskAnalysis:
			assert.Equal(t, 7, alloc.Task.Priority)
		case models.SubTaskSQL:
			assert.Equal(t, 8, alloc.Task.Priority)
		case models.SubTaskCompile:
			assert.Equal(t, 5, alloc.Task.Priority)
		}
		assert.Equal(t, job.ID, alloc.Task.JobID)
	}
}

func TestDistribute_WorkersWithinRange(t *testing.T) {
	b := NewLoadBalancer(3)
	job := &models.Job{ID: uuid.New()}

	result := b.Distribute(job, planWithDegree(job.ID, 8), 10)

	for _, alloc := range result.Allocations {
		assert.GreaterOrEqual(t, alloc.Worker, 0)
		assert.Less(t, alloc.Worker, 3)
	}
}

func TestDistribute_SpreadsAcrossWorkers(t *testing.T) {
	b := NewLoadBalancer(4)
	job := &models.Job{ID: uuid.New()}

	result := b.Distribute(job, planWithDegree(job.ID, 8), 10)
	require.Len(t, result.Allocations, 7)

	used := map[int]bool{}
	for _, alloc := range result.Allocations {
		used[alloc.Worker] = true
	}
	assert.Len(t, used, 4, "tasks should land on every worker slot")
	assert.Greater(t, result.BalanceScore, 0.0)
	assert.LessOrEqual(t, result.BalanceScore, 1.0)
}

func TestDistribute_AvoidsBusyWorker(t *testing.T) {
	b := NewLoadBalancer(2)
	job := &models.Job{ID: uuid.New()}

	// Load worker 0 with an hour of observed work.
	b.Complete(Allocation{Worker: 0}, time.Hour, true)

	result := b.Distribute(job, planWithDegree(job.ID, 1), 1)
	for _, alloc := range result.Allocations {
		assert.Equal(t, 1, alloc.Worker, "all tasks should avoid the busy slot")
	}
}

func TestComplete_Stats(t *testing.T) {
	b := NewLoadBalancer(2)

	b.Complete(Allocation{Worker: 0}, time.Second, true)
	b.Complete(Allocation{Worker: 1}, time.Second, true)
	b.Complete(Allocation{Worker: 0}, time.Second, false)
	// Out-of-range worker slots are ignored for busy tracking but still count.
	b.Complete(Allocation{Worker: 9}, time.Second, false)

	completed, failed := b.Stats()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 2, failed)
}
