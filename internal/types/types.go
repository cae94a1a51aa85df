package types

import (
	"fmt"
	"strings"
	"time"
)

// SignalKind classifies a threat signal and selects the control loop branch
type SignalKind string

const (
	Vulnerability SignalKind = "vulnerability"
	Indicator     SignalKind = "indicator"
	Technique     SignalKind = "technique"
)

func ParseSignalKind(s string) (SignalKind, error) {
	switch SignalKind(strings.ToLower(strings.TrimSpace(s))) {
	case Vulnerability:
		return Vulnerability, nil
	case Indicator:
		return Indicator, nil
	case Technique:
		return Technique, nil
	}
	return "", NewError(KindInvalid, "parse signal kind", fmt.Errorf("unknown kind %q", s))
}

// ThreatSignal is a single piece of evidence produced by a provider.
// Build it with NewSignal; it is passed by value and never mutated afterwards.
type ThreatSignal struct {
	Kind       SignalKind        `json:"kind"`
	Identifier string            `json:"identifier"`
	ObservedAt time.Time         `json:"observed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func NewSignal(kind SignalKind, identifier string, observedAt time.Time, metadata map[string]string) ThreatSignal {
	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	return ThreatSignal{
		Kind:       kind,
		Identifier: identifier,
		ObservedAt: observedAt.UTC(),
		Metadata:   md,
	}
}

// Key identifies a signal for idempotent dispatch.
func (s ThreatSignal) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.Kind, s.Identifier, s.ObservedAt.UTC().Format(time.RFC3339Nano))
}

// ResourceMatch is one cluster resource affected by a signal.
// Severity and FixedVersion are advisory only.
type ResourceMatch struct {
	Namespace        string `json:"namespace"`
	ResourceKind     string `json:"resource_kind"`
	ResourceName     string `json:"resource_name"`
	Severity         string `json:"severity,omitempty"`
	FixedVersion     string `json:"fixed_version,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	Package          string `json:"package,omitempty"`
}

type ScanResult struct {
	Signal    ThreatSignal    `json:"signal"`
	Matches   []ResourceMatch `json:"matches"`
	ScannedAt time.Time       `json:"scanned_at"`
}

// CommitRecord is the provenance of one policy change
type CommitRecord struct {
	Hash         string    `json:"hash"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	ChangedPaths []string  `json:"changed_paths"`
	Revision     string    `json:"revision"`
}

type EnforcementStatus string

const (
	EnforcementApplied   EnforcementStatus = "applied"
	EnforcementDuplicate EnforcementStatus = "duplicate"
	EnforcementFailed    EnforcementStatus = "failed"
)

type EnforcementOutcome struct {
	Indicator string            `json:"indicator"`
	CIDR      string            `json:"cidr"`
	Status    EnforcementStatus `json:"status"`
	Commit    *CommitRecord     `json:"commit,omitempty"`
	Attempts  int               `json:"attempts"`
}

// CommandSpec is a platform-specific command resolved for a technique
type CommandSpec struct {
	TechniqueID string `json:"technique_id"`
	TestName    string `json:"test_name"`
	Platform    string `json:"platform"`
	Executor    string `json:"executor"`
	Command     string `json:"command"`
}

type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
	JobExpired   JobStatus = "Expired"
)

type VerificationJob struct {
	ID          string        `json:"id"`
	TechniqueID string        `json:"technique_id"`
	Namespace   string        `json:"namespace"`
	Image       string        `json:"image"`
	Command     []string      `json:"command"`
	TTL         time.Duration `json:"ttl"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}
