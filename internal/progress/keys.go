package progress

import (
	"fmt"

	"github.com/google/uuid"
)

func recordKey(jobID uuid.UUID) string {
	return fmt.Sprintf("report:progress:%s", jobID)
}

// RunLockKey is the key guarding exclusive execution of one job.
func RunLockKey(jobID uuid.UUID) string {
	return fmt.Sprintf("report:running:%s", jobID)
}

// PlaceholderCacheKey holds the cached value of one placeholder for a
// template, used by cached execution and the cache recovery tier.
func PlaceholderCacheKey(templateID uuid.UUID, name string) string {
	return fmt.Sprintf("report:cache:%s:%s", templateID, name)
}

// RateLimitKey counts API requests per key prefix within the current window.
func RateLimitKey(prefix string) string {
	return fmt.Sprintf("report:ratelimit:%s", prefix)
}
