package formatting

import (
	"strings"
	"testing"
	"time"

	"github.com/aonescu/tiops/internal/authority"
	"github.com/aonescu/tiops/internal/loop"
	"github.com/aonescu/tiops/internal/types"
)

func sampleOutcomes() []types.Outcome {
	return []types.Outcome{
		{
			Kind:       types.Vulnerability,
			Identifier: "CVE-2020-27350",
			Source:     "replay:builtin",
			Degraded:   true,
			Status:     types.StatusMatchFound,
			Matches: []types.ResourceMatch{
				{Namespace: "prod", ResourceKind: "ReplicaSet", ResourceName: "web-7f9c", Severity: "HIGH", FixedVersion: "1.8.2.2"},
			},
		},
		{
			Kind:       types.Indicator,
			Identifier: "1.2.3.4",
			Source:     "cli",
			Status:     types.StatusEnforcementApplied,
			Enforcement: &types.EnforcementOutcome{
				Indicator: "1.2.3.4",
				CIDR:      "1.2.3.4/32",
				Status:    types.EnforcementApplied,
				Attempts:  2,
				Commit:    &types.CommitRecord{Hash: "0123456789abcdef0123", Message: "Block malicious indicator 1.2.3.4 (1.2.3.4/32)"},
			},
		},
		{
			Kind:       types.Technique,
			Identifier: "T1059.004",
			Source:     "cli",
			Status:     types.StatusVerificationLaunched,
			Job: &types.VerificationJob{
				ID: "verify-t1059-004-a1b2c3", Namespace: "default", TechniqueID: "T1059.004",
				Status: types.JobPending, ExpiresAt: time.Now().Add(5 * time.Minute),
			},
		},
		{
			Source: "abuse-feed",
			Status: types.StatusUndetermined,
			Error:  "poll abuse-feed: connection refused",
		},
	}
}

func TestFormatOutcome(t *testing.T) {
	outcomes := sampleOutcomes()

	vuln := FormatOutcome(outcomes[0])
	for _, want := range []string{"SIGNAL", "RESULT", "AFFECTED", "NEXT ACTION", "CVE-2020-27350", "prod/ReplicaSet/web-7f9c", "fix=1.8.2.2", "(degraded)"} {
		if !strings.Contains(vuln, want) {
			t.Errorf("Expected %q in:\n%s", want, vuln)
		}
	}

	enforced := FormatOutcome(outcomes[1])
	if !strings.Contains(enforced, "COMMIT") || !strings.Contains(enforced, "01234567 Block malicious indicator 1.2.3.4") {
		t.Errorf("Expected commit section in:\n%s", enforced)
	}

	launched := FormatOutcome(outcomes[2])
	if !strings.Contains(launched, "tiops status verify-t1059-004-a1b2c3") {
		t.Errorf("Expected status hint in:\n%s", launched)
	}

	failed := FormatOutcome(outcomes[3])
	if !strings.Contains(failed, "connection refused") {
		t.Errorf("Expected error in:\n%s", failed)
	}
}

func TestFormatReport(t *testing.T) {
	report := &loop.Report{Mode: authority.Cron, Degraded: true, Outcomes: sampleOutcomes()}

	out := FormatReport(report)
	if !strings.Contains(out, "RUN CRON (4 signals)") {
		t.Errorf("Expected header in:\n%s", out)
	}
	if !strings.Contains(out, "offline replay") {
		t.Error("Expected degraded warning")
	}
	if !strings.Contains(out, "SUMMARY") {
		t.Error("Expected summary section")
	}
}

func TestGenerateSummary(t *testing.T) {
	summary := GenerateSummary(sampleOutcomes())

	if summary["total"].(int) != 4 {
		t.Errorf("Expected 4 total, got %d", summary["total"].(int))
	}
	if summary["degraded"].(int) != 1 {
		t.Errorf("Expected 1 degraded, got %d", summary["degraded"].(int))
	}
	if summary["failed"].(int) != 1 {
		t.Errorf("Expected 1 failed, got %d", summary["failed"].(int))
	}
	if summary["by_kind"].(map[string]int)["indicator"] != 1 {
		t.Errorf("Expected 1 indicator, got %v", summary["by_kind"])
	}
	if summary["by_status"].(map[string]int)["match_found"] != 1 {
		t.Errorf("Expected 1 match_found, got %v", summary["by_status"])
	}
}
