package models

import "time"

// ProgressRecord is the ephemeral per-job status record held in the progress
// store. One record per job ID, overwritten in place, expiring on a fixed TTL
// regardless of outcome.
type ProgressRecord struct {
	Status    string            `json:"status"`
	Progress  int               `json:"progress"` // 0-100
	Message   string            `json:"message"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
