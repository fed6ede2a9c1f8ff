package engine

import "github.com/reportforge/engine/pkg/models"

// ExecutionMode is the closed set of ways a job can run. Dispatch is always
// through a switch over this type, never through string comparison.
type ExecutionMode string

const (
	ModeFullPipeline      ExecutionMode = "full_pipeline"
	ModePhase1Only        ExecutionMode = "phase1_only"
	ModePhase2Only        ExecutionMode = "phase2_only"
	ModeSmartExecution    ExecutionMode = "smart_execution"
	ModePartialAnalysis   ExecutionMode = "partial_analysis"
	ModeIncrementalUpdate ExecutionMode = "incremental_update"
	ModeRecovery          ExecutionMode = "recovery"
	ModeCachedExecution   ExecutionMode = "cached_execution"
)

// ModeConfig carries the feature flags consulted during mode selection.
type ModeConfig struct {
	EnablePartialAnalysis bool
	EnableRecovery        bool
}

// SelectMode maps current readiness (and, after a failed attempt, the caught
// error) to a concrete execution mode. It is a pure function: identical
// inputs always select the identical mode, and no transition history is kept
// — the mode is recomputed fresh for every attempt.
//
// When prevErr is non-nil the exception path takes over entirely; otherwise
// the readiness decision order applies, first match wins.
func SelectMode(r models.ReadinessAnalysis, forceFull bool, prevErr error, cfg ModeConfig) ExecutionMode {
	if prevErr != nil {
		return modeForError(prevErr, cfg)
	}

	switch {
	case forceFull:
		return ModeFullPipeline
	case r.ReadyForExecution():
		return ModePhase2Only
	case r.PartiallyReady() && cfg.EnablePartialAnalysis:
		if r.Completeness() == models.CompletenessSubstantial {
			return ModeIncrementalUpdate
		}
		return ModePartialAnalysis
	case r.RequiresReanalysis():
		return ModeFullPipeline
	}
	// Nothing analyzed yet.
	return ModeFullPipeline
}

func modeForError(err error, cfg ModeConfig) ExecutionMode {
	switch {
	case isConnectivity(err):
		if cfg.EnableRecovery {
			return ModeCachedExecution
		}
		return ModeRecovery
	case isTimeout(err):
		return ModeRecovery
	case isPermission(err):
		return ModeRecovery
	}

	switch Classify(err) {
	case SeverityTemporary:
		if cfg.EnableRecovery {
			return ModeRecovery
		}
		return ModeCachedExecution
	case SeverityRecoverable:
		return ModeCachedExecution
	}
	// Critical: full re-derivation as the last resort.
	return ModeFullPipeline
}
