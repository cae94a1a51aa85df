package types

import "time"

// OutcomeStatus is the per-signal result of one loop invocation.
type OutcomeStatus string

const (
	StatusMatchFound           OutcomeStatus = "match_found"
	StatusNoMatch              OutcomeStatus = "no_match"
	StatusEnforcementApplied   OutcomeStatus = "enforcement_applied"
	StatusEnforcementDuplicate OutcomeStatus = "enforcement_duplicate"
	StatusEnforcementFailed    OutcomeStatus = "enforcement_failed"
	StatusVerificationLaunched OutcomeStatus = "verification_launched"
	StatusVerificationSkipped  OutcomeStatus = "verification_skipped"
	StatusSubmissionFailed     OutcomeStatus = "submission_failed"
	StatusSkipped              OutcomeStatus = "skipped"
	StatusUndetermined         OutcomeStatus = "undetermined"
	StatusAlreadyProcessed     OutcomeStatus = "already_processed"
)

// Final reports whether a signal with this outcome needs no further
// dispatch. Failures and skips stay eligible for a later run.
func (s OutcomeStatus) Final() bool {
	switch s {
	case StatusMatchFound, StatusNoMatch,
		StatusEnforcementApplied, StatusEnforcementDuplicate,
		StatusVerificationLaunched, StatusVerificationSkipped:
		return true
	}
	return false
}

type Outcome struct {
	SignalKey   string              `json:"signal_key"`
	Kind        SignalKind          `json:"kind"`
	Identifier  string              `json:"identifier"`
	Mode        string              `json:"mode"`
	Source      string              `json:"source"`
	Status      OutcomeStatus       `json:"status"`
	Degraded    bool                `json:"degraded"`
	Matches     []ResourceMatch     `json:"matches,omitempty"`
	Enforcement *EnforcementOutcome `json:"enforcement,omitempty"`
	Job         *VerificationJob    `json:"job,omitempty"`
	Error       string              `json:"error,omitempty"`
	RecordedAt  time.Time           `json:"recorded_at"`
}
