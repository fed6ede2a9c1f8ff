package models

import (
	"time"

	"github.com/google/uuid"
)

// Placeholder priorities as reported by the template analysis collaborator.
const (
	PlaceholderPriorityHigh   = "high"
	PlaceholderPriorityMedium = "medium"
	PlaceholderPriorityLow    = "low"
)

// Issue severities attached to a placeholder analysis.
const (
	IssueSeverityCritical = "critical"
	IssueSeverityWarning  = "warning"
	IssueSeverityInfo     = "info"
)

// Issue categories.
const (
	IssueTypeSyntax        = "syntax"
	IssueTypePerformance   = "performance"
	IssueTypeBusinessLogic = "business_logic"
)

// AnalysisIssue is a single problem found while analyzing a placeholder.
type AnalysisIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// PlaceholderAnalysis is the stored analysis for one template placeholder:
// what it is, how confident the analyzer was, and the query derived for it.
type PlaceholderAnalysis struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	TemplateID     uuid.UUID       `db:"template_id"     json:"template_id"`
	Name           string          `db:"name"            json:"name"`
	Type           string          `db:"type"            json:"type"`
	Priority       string          `db:"priority"        json:"priority"`
	Confidence     float64         `db:"confidence"      json:"confidence"`
	GeneratedQuery *string         `db:"generated_query" json:"generated_query,omitempty"`
	Validated      bool            `db:"validated"       json:"validated"`
	Failed         bool            `db:"failed"          json:"failed"`
	Issues         []AnalysisIssue `db:"issues"          json:"issues,omitempty"`
	AnalyzedAt     time.Time       `db:"analyzed_at"     json:"analyzed_at"`
}

// HasQuery reports whether a usable query was derived for this placeholder.
func (p *PlaceholderAnalysis) HasQuery() bool {
	return p.GeneratedQuery != nil && *p.GeneratedQuery != ""
}

// CriticalIssueCount counts issues at critical severity.
func (p *PlaceholderAnalysis) CriticalIssueCount() int {
	n := 0
	for _, issue := range p.Issues {
		if issue.Severity == IssueSeverityCritical {
			n++
		}
	}
	return n
}

// PriorityRank maps a placeholder priority to a sortable rank (higher first).
func PriorityRank(priority string) int {
	switch priority {
	case PlaceholderPriorityHigh:
		return 3
	case PlaceholderPriorityMedium:
		return 2
	case PlaceholderPriorityLow:
		return 1
	}
	return 0
}
