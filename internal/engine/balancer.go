package engine

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/pkg/models"
)

// Sub-task priorities by type.
const (
	analysisTaskPriority = 7
	sqlTaskPriority      = 8
	compileTaskPriority  = 5
)

// Allocation binds one sub-task to a worker slot.
type Allocation struct {
	Task   models.SubTask `json:"task"`
	Worker int            `json:"worker"`
}

// BalancingResult is the outcome of decomposing one job.
type BalancingResult struct {
	Allocations  []Allocation `json:"allocations"`
	BalanceScore float64      `json:"balance_score"`
}

// LoadBalancer decomposes a job into sub-tasks and assigns them to worker
// slots, keeping running statistics about completed work. The statistics are
// an optimization signal held only in process memory; they reset on restart
// and losing an update is tolerable.
type LoadBalancer struct {
	workers int

	mu            sync.Mutex
	perWorkerBusy []time.Duration
	completed     int
	failed        int
}

// NewLoadBalancer creates a balancer over the given number of worker slots.
func NewLoadBalancer(workers int) *LoadBalancer {
	if workers < 1 {
		workers = 1
	}
	return &LoadBalancer{
		workers:       workers,
		perWorkerBusy: make([]time.Duration, workers),
	}
}

// Distribute decomposes the job under the plan's parallel degree: up to
// min(degree, 2) analysis sub-tasks, up to min(degree, 4) SQL sub-tasks, and
// exactly one report-compile sub-task. Sub-tasks are assigned round-robin to
// the least-loaded workers first.
func (b *LoadBalancer) Distribute(job *models.Job, plan models.ExecutionPlan, sqlUnits int) BalancingResult {
	degree := plan.Strategy.ParallelDegree
	if degree < 1 {
		degree = 1
	}

	var tasks []models.SubTask

	analysisTasks := min(degree, 2)
	for i := 0; i < analysisTasks; i++ {
		tasks = append(tasks, models.SubTask{
			ID:                uuid.New(),
			JobID:             job.ID,
			Type:              models.SubTaskAnalysis,
			Priority:          analysisTaskPriority,
			EstimatedDuration: 30 * time.Second,
			MemoryMB:          128,
		})
	}

	sqlTasks := min(degree, 4)
	if sqlUnits >= 0 && sqlUnits < sqlTasks {
		sqlTasks = sqlUnits
	}
	for i := 0; i < sqlTasks; i++ {
		tasks = append(tasks, models.SubTask{
			ID:                uuid.New(),
			JobID:             job.ID,
			Type:              models.SubTaskSQL,
			Priority:          sqlTaskPriority,
			EstimatedDuration: time.Minute,
			MemoryMB:          256,
		})
	}

	tasks = append(tasks, models.SubTask{
		ID:                uuid.New(),
		JobID:             job.ID,
		Type:              models.SubTaskCompile,
		Priority:          compileTaskPriority,
		EstimatedDuration: 20 * time.Second,
		MemoryMB:          256,
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	allocations := make([]Allocation, 0, len(tasks))
	projected := make([]time.Duration, b.workers)
	copy(projected, b.perWorkerBusy)

	for _, task := range tasks {
		worker := leastLoaded(projected)
		projected[worker] += task.EstimatedDuration
		allocations = append(allocations, Allocation{Task: task, Worker: worker})
	}

	return BalancingResult{
		Allocations:  allocations,
		BalanceScore: balanceScore(projected),
	}
}

// Complete records one finished sub-task so future balance scores reflect
// observed execution times.
func (b *LoadBalancer) Complete(alloc Allocation, execution time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if alloc.Worker >= 0 && alloc.Worker < b.workers {
		b.perWorkerBusy[alloc.Worker] += execution
	}
	if success {
		b.completed++
	} else {
		b.failed++
	}
}

// Stats returns completed/failed counters, mainly for logging.
func (b *LoadBalancer) Stats() (completed, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed, b.failed
}

func leastLoaded(busy []time.Duration) int {
	best := 0
	for i, d := range busy {
		if d < busy[best] {
			best = i
		}
	}
	return best
}

// balanceScore is 1.0 for perfectly even worker load, approaching 0 as the
// spread grows.
func balanceScore(busy []time.Duration) float64 {
	if len(busy) == 0 {
		return 1
	}
	var sum float64
	for _, d := range busy {
		sum += d.Seconds()
	}
	mean := sum / float64(len(busy))
	if mean == 0 {
		return 1
	}

	var variance float64
	for _, d := range busy {
		diff := d.Seconds() - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(busy)))
	score := 1 - stddev/mean
	if score < 0 {
		return 0
	}
	return score
}
