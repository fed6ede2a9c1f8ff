package models

import (
	"time"

	"github.com/google/uuid"
)

// ComplexityLevel is the 4-way complexity bucket for a job.
type ComplexityLevel string

const (
	ComplexityLow      ComplexityLevel = "low"
	ComplexityMedium   ComplexityLevel = "medium"
	ComplexityHigh     ComplexityLevel = "high"
	ComplexityVeryHigh ComplexityLevel = "very_high"
)

// DataVolumeClass is a coarse estimate of how much data phase 2 will touch.
type DataVolumeClass string

const (
	DataVolumeSmall  DataVolumeClass = "small"
	DataVolumeMedium DataVolumeClass = "medium"
	DataVolumeLarge  DataVolumeClass = "large"
)

// ComplexityAnalysis is the output of the complexity analyzer: a deterministic
// function of the template's placeholder counts.
type ComplexityAnalysis struct {
	Level                ComplexityLevel `json:"level"`
	EstimatedDuration    time.Duration   `json:"estimated_duration"`
	RequiresDeepAnalysis bool            `json:"requires_deep_analysis"`
	DataVolume           DataVolumeClass `json:"data_volume"`
	ParallelOpportunity  int             `json:"parallel_opportunity"`
}

// CachePolicy controls how aggressively phase 2 prefers cached results.
type CachePolicy string

const (
	CacheBalanced   CachePolicy = "balanced"
	CacheAggressive CachePolicy = "aggressive"
	CacheFirst      CachePolicy = "cache_first"
)

// JobPriority is the scheduling priority attached to a strategy.
type JobPriority string

const (
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
)

// ExecutionStrategy is the concrete plan parameters chosen for one execution
// attempt: how wide to fan out, how to treat caches, and the retry/timeout
// budget. ParallelDegree is always within [1,8].
type ExecutionStrategy struct {
	ParallelDegree    int           `json:"parallel_degree"`
	CachePolicy       CachePolicy   `json:"cache_policy"`
	Priority          JobPriority   `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	MaxRetries        int           `json:"max_retries"`
	Timeout           time.Duration `json:"timeout"`
}

// ResourceAllocation is the resource budget attached to a plan.
type ResourceAllocation struct {
	CPUWeight  int    `json:"cpu_weight"`
	MemoryMB   int    `json:"memory_mb"`
	WorkerType string `json:"worker_type"`
}

// ExecutionPlan is created once per job before execution and never mutated
// after execution starts; a retry builds a fresh plan.
type ExecutionPlan struct {
	JobID       uuid.UUID          `json:"job_id"`
	Strategy    ExecutionStrategy  `json:"strategy"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	Resources   ResourceAllocation `json:"resources"`
	DependsOn   []uuid.UUID        `json:"depends_on,omitempty"`
}

// SystemLoadSample is one best-effort load observation. Samples are cached
// briefly in process memory and never persisted.
type SystemLoadSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskIOPercent float64   `json:"disk_io_percent"`
	ActiveTasks   int       `json:"active_tasks"`
	SampledAt     time.Time `json:"sampled_at"`
}

// SubTaskType identifies the kind of work one decomposed sub-task carries.
type SubTaskType string

const (
	SubTaskAnalysis SubTaskType = "analysis"
	SubTaskSQL      SubTaskType = "sql_execution"
	SubTaskCompile  SubTaskType = "report_compile"
)

// SubTask is one atomic unit of decomposed work. Sub-tasks are owned by the
// load balancer for the duration of one job and discarded afterwards.
type SubTask struct {
	ID                uuid.UUID     `json:"id"`
	JobID             uuid.UUID     `json:"job_id"`
	Type              SubTaskType   `json:"type"`
	Priority          int           `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	MemoryMB          int           `json:"memory_mb"`
}
