package engine

import (
	"context"
	"errors"
	"net"

	"github.com/reportforge/engine/internal/collab"
)

// Sentinel errors raised by the engine itself.
var (
	ErrJobDisabled       = errors.New("job is disabled")
	ErrAlreadyRunning    = errors.New("job is already running")
	ErrPhaseFailed       = errors.New("pipeline phase failed")
	ErrNotFeasible       = errors.New("execution not feasible with current analysis")
	ErrRecoveryExhausted = errors.New("all recovery tiers exhausted")
)

// Severity classifies a failure for retry and recovery routing.
type Severity string

const (
	// SeverityTemporary failures (connectivity, timeout) are eligible for
	// whole-pipeline retry with exponential backoff.
	SeverityTemporary Severity = "temporary"
	// SeverityRecoverable failures (authorization, configuration) skip the
	// retry loop and go straight to cache-first execution.
	SeverityRecoverable Severity = "recoverable"
	// SeverityCritical failures (corruption, unexpected internal errors) skip
	// recovery shortcuts and fall back to a full pipeline or terminal failure.
	SeverityCritical Severity = "critical"
)

// Classify maps an error to its severity bucket.
func Classify(err error) Severity {
	if err == nil {
		return SeverityTemporary
	}

	if errors.Is(err, collab.ErrUnreachable) || errors.Is(err, collab.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return SeverityTemporary
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return SeverityTemporary
	}

	if errors.Is(err, collab.ErrUnauthorized) {
		return SeverityRecoverable
	}

	return SeverityCritical
}

// isConnectivity reports a transport-level failure reaching a collaborator.
func isConnectivity(err error) bool {
	if errors.Is(err, collab.ErrUnreachable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && !netErr.Timeout()
}

// isTimeout reports a deadline failure.
func isTimeout(err error) bool {
	if errors.Is(err, collab.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isPermission reports an authorization failure.
func isPermission(err error) bool {
	return errors.Is(err, collab.ErrUnauthorized)
}
