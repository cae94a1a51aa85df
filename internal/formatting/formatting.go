package formatting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aonescu/tiops/internal/loop"
	"github.com/aonescu/tiops/internal/types"
)

const rule = "────────────────────────\n"

func FormatReport(report *loop.Report) string {
	var output strings.Builder

	output.WriteString(fmt.Sprintf("\nRUN %s (%d signals)\n", strings.ToUpper(string(report.Mode)), len(report.Outcomes)))
	if report.Degraded {
		output.WriteString("WARNING: live evidence unavailable, results come from an offline replay\n")
	}
	for _, o := range report.Outcomes {
		output.WriteString(FormatOutcome(o))
	}

	summary := GenerateSummary(report.Outcomes)
	output.WriteString("\nSUMMARY\n")
	output.WriteString(rule)
	statuses := summary["by_status"].(map[string]int)
	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		output.WriteString(fmt.Sprintf("%-24s %d\n", k, statuses[k]))
	}
	return output.String()
}

func FormatOutcome(o types.Outcome) string {
	var output strings.Builder

	output.WriteString("\nSIGNAL\n")
	output.WriteString(rule)
	if o.Kind != "" {
		output.WriteString(fmt.Sprintf("%s: %s\n", o.Kind, o.Identifier))
	}
	output.WriteString(fmt.Sprintf("Source: %s", o.Source))
	if o.Degraded {
		output.WriteString(" (degraded)")
	}
	output.WriteString("\n\n")

	output.WriteString("RESULT\n")
	output.WriteString(rule)
	output.WriteString(fmt.Sprintf("%s\n", o.Status))
	if o.Error != "" {
		output.WriteString(fmt.Sprintf("Error: %s\n", o.Error))
	}
	output.WriteString("\n")

	if len(o.Matches) > 0 {
		output.WriteString("AFFECTED\n")
		output.WriteString(rule)
		for _, m := range o.Matches {
			output.WriteString(formatMatch(m))
		}
		output.WriteString("\n")
	}

	if e := o.Enforcement; e != nil && e.Commit != nil {
		output.WriteString("COMMIT\n")
		output.WriteString(rule)
		output.WriteString(fmt.Sprintf("%s %s\n", shortHash(e.Commit.Hash), e.Commit.Message))
		output.WriteString(fmt.Sprintf("Attempts: %d\n\n", e.Attempts))
	}

	if o.Job != nil {
		output.WriteString(FormatJob(o.Job))
	}

	output.WriteString("NEXT ACTION\n")
	output.WriteString(rule)
	output.WriteString(nextAction(o) + "\n")
	return output.String()
}

func FormatScanResult(r *types.ScanResult) string {
	var output strings.Builder
	output.WriteString(fmt.Sprintf("%s %s: %d affected resources\n", r.Signal.Kind, r.Signal.Identifier, len(r.Matches)))
	for _, m := range r.Matches {
		output.WriteString(formatMatch(m))
	}
	return output.String()
}

func FormatJob(j *types.VerificationJob) string {
	var output strings.Builder
	output.WriteString("JOB\n")
	output.WriteString(rule)
	output.WriteString(fmt.Sprintf("%s/%s [%s]\n", j.Namespace, j.ID, j.Status))
	if j.TechniqueID != "" {
		output.WriteString(fmt.Sprintf("Technique: %s\n", j.TechniqueID))
	}
	if !j.ExpiresAt.IsZero() {
		output.WriteString(fmt.Sprintf("Expires: %s\n", j.ExpiresAt.Format("2006-01-02 15:04:05 MST")))
	}
	output.WriteString("\n")
	return output.String()
}

func formatMatch(m types.ResourceMatch) string {
	line := fmt.Sprintf("✗ %s/%s/%s", m.Namespace, m.ResourceKind, m.ResourceName)
	if m.Severity != "" {
		line += fmt.Sprintf(" severity=%s", m.Severity)
	}
	if m.FixedVersion != "" {
		line += fmt.Sprintf(" fix=%s", m.FixedVersion)
	}
	return line + "\n"
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func nextAction(o types.Outcome) string {
	switch o.Status {
	case types.StatusMatchFound:
		return "Patch or redeploy the affected workloads"
	case types.StatusNoMatch:
		return "None, no workload is affected"
	case types.StatusEnforcementApplied:
		return "Let the GitOps controller sync the deny list"
	case types.StatusEnforcementDuplicate:
		return "None, indicator already blocked"
	case types.StatusEnforcementFailed:
		return "Check the policy repository and retry"
	case types.StatusVerificationLaunched:
		if o.Job == nil {
			return "Check detections"
		}
		return fmt.Sprintf("Check detections, then run: tiops status %s", o.Job.ID)
	case types.StatusVerificationSkipped:
		return "None, no runnable test for this platform"
	case types.StatusSubmissionFailed:
		return "Check cluster access and quotas for the verification namespace"
	case types.StatusUndetermined:
		return "Restore connectivity and run again"
	case types.StatusSkipped:
		if o.Kind == types.Indicator && o.Error != "" {
			return "Create the policy document, then run again"
		}
		return "Trigger a mode that handles this signal kind"
	}
	return "None"
}

func GenerateSummary(outcomes []types.Outcome) map[string]interface{} {
	summary := map[string]interface{}{
		"total":     len(outcomes),
		"degraded":  0,
		"failed":    0,
		"by_status": make(map[string]int),
		"by_kind":   make(map[string]int),
	}

	for _, o := range outcomes {
		summary["by_status"].(map[string]int)[string(o.Status)]++
		if o.Kind != "" {
			summary["by_kind"].(map[string]int)[string(o.Kind)]++
		}
		if o.Degraded {
			summary["degraded"] = summary["degraded"].(int) + 1
		}
		switch o.Status {
		case types.StatusEnforcementFailed, types.StatusSubmissionFailed, types.StatusUndetermined:
			summary["failed"] = summary["failed"].(int) + 1
		}
	}
	return summary
}
