package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/util/retry"

	"github.com/aonescu/tiops/internal/metrics"
	"github.com/aonescu/tiops/internal/policy"
	"github.com/aonescu/tiops/internal/types"
)

// VulnerabilityReportGVR is the report resource trivy-operator writes per workload.
var VulnerabilityReportGVR = schema.GroupVersionResource{
	Group:    "aquasecurity.github.io",
	Version:  "v1alpha1",
	Resource: "vulnerabilityreports",
}

var podGVR = schema.GroupVersionResource{Version: "v1", Resource: "pods"}

const (
	labelResourceKind = "trivy-operator.resource.kind"
	labelResourceName = "trivy-operator.resource.name"
)

type Config struct {
	PolicyPath    string
	Backoff       wait.Backoff
	CommitTimeout time.Duration
}

func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    5,
		Duration: 50 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}
}

// Engine turns signals into scans and deny-list changes.
type Engine struct {
	dynamic dynamic.Interface
	store   policy.Store
	cfg     Config
	metrics *metrics.Metrics
	log     logr.Logger
	now     func() time.Time
}

func NewEngine(dyn dynamic.Interface, store policy.Store, cfg Config, m *metrics.Metrics, log logr.Logger) *Engine {
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = policy.DefaultPath
	}
	if cfg.Backoff.Steps == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Engine{
		dynamic: dyn,
		store:   store,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// ScanForSignal returns every cluster resource the signal applies to. An
// empty result means the cluster was checked and nothing matched.
func (e *Engine) ScanForSignal(ctx context.Context, signal types.ThreatSignal) (*types.ScanResult, error) {
	var (
		matches []types.ResourceMatch
		err     error
	)
	switch signal.Kind {
	case types.Vulnerability:
		matches, err = e.scanVulnerabilityReports(ctx, signal.Identifier)
	case types.Indicator:
		matches, err = e.scanPods(ctx, signal.Identifier)
	default:
		return nil, types.NewError(types.KindUnsupported, "scan",
			fmt.Errorf("no scanner for %s signals", signal.Kind))
	}
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []types.ResourceMatch{}
	}

	e.log.V(1).Info("Scan finished", "kind", signal.Kind, "identifier", signal.Identifier, "matches", len(matches))
	return &types.ScanResult{
		Signal:    signal,
		Matches:   matches,
		ScannedAt: e.now(),
	}, nil
}

func (e *Engine) scanVulnerabilityReports(ctx context.Context, cve string) ([]types.ResourceMatch, error) {
	list, err := e.dynamic.Resource(VulnerabilityReportGVR).List(ctx, metav1.ListOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, types.NewError(types.KindNotFound, "list vulnerability reports", err)
		}
		return nil, types.NewError(types.KindConnectivity, "list vulnerability reports", err)
	}

	var matches []types.ResourceMatch
	for i := range list.Items {
		report := &list.Items[i]
		raw, found, err := unstructured.NestedFieldNoCopy(report.Object, "report", "vulnerabilities")
		if err != nil || !found {
			continue
		}
		vulns, ok := raw.([]interface{})
		if !ok {
			e.log.Info("Skipping report with malformed vulnerability list",
				"namespace", report.GetNamespace(), "name", report.GetName())
			continue
		}

		labels := report.GetLabels()
		for _, item := range vulns {
			v, ok := item.(map[string]interface{})
			if !ok || stringField(v, "vulnerabilityID") != cve {
				continue
			}
			matches = append(matches, types.ResourceMatch{
				Namespace:        report.GetNamespace(),
				ResourceKind:     labels[labelResourceKind],
				ResourceName:     labels[labelResourceName],
				Severity:         stringField(v, "severity"),
				FixedVersion:     stringField(v, "fixedVersion"),
				InstalledVersion: stringField(v, "installedVersion"),
				Package:          stringField(v, "resource"),
			})
		}
	}
	return matches, nil
}

func (e *Engine) scanPods(ctx context.Context, indicator string) ([]types.ResourceMatch, error) {
	cidr, err := policy.NormalizeIndicator(indicator)
	if err != nil {
		return nil, err
	}
	prefix := netip.MustParsePrefix(cidr)

	list, err := e.dynamic.Resource(podGVR).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, types.NewError(types.KindConnectivity, "list pods", err)
	}

	var matches []types.ResourceMatch
	for i := range list.Items {
		pod := &list.Items[i]
		for _, ip := range podAddresses(pod) {
			addr, err := netip.ParseAddr(ip)
			if err != nil || !prefix.Contains(addr.Unmap()) {
				continue
			}
			matches = append(matches, types.ResourceMatch{
				Namespace:    pod.GetNamespace(),
				ResourceKind: "Pod",
				ResourceName: pod.GetName(),
			})
			break
		}
	}
	return matches, nil
}

func podAddresses(pod *unstructured.Unstructured) []string {
	var out []string
	for _, field := range []string{"podIP", "hostIP"} {
		if ip, _, _ := unstructured.NestedString(pod.Object, "status", field); ip != "" {
			out = append(out, ip)
		}
	}
	if raw, found, _ := unstructured.NestedFieldNoCopy(pod.Object, "status", "podIPs"); found {
		if ips, ok := raw.([]interface{}); ok {
			for _, item := range ips {
				if m, ok := item.(map[string]interface{}); ok {
					if ip := stringField(m, "ip"); ip != "" {
						out = append(out, ip)
					}
				}
			}
		}
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// EnforceIndicator blocks the indicator's CIDR in the policy document. A
// CIDR that is already blocked produces no commit. Conflicting writers are
// retried with backoff; running out of attempts is an EnforcementFailed error.
func (e *Engine) EnforceIndicator(ctx context.Context, indicator string) (*types.EnforcementOutcome, error) {
	cidr, err := policy.NormalizeIndicator(indicator)
	if err != nil {
		return nil, err
	}

	outcome := &types.EnforcementOutcome{Indicator: indicator, CIDR: cidr}
	message := fmt.Sprintf("Block malicious indicator %s (%s)", indicator, cidr)
	retriable := e.retriable(ctx)

	err = retry.OnError(e.cfg.Backoff, retriable, func() error {
		outcome.Attempts++
		attemptCtx, cancel := e.attemptContext(ctx)
		defer cancel()

		doc, err := e.store.Read(attemptCtx, e.cfg.PolicyPath)
		if err != nil {
			return err
		}
		updated, changed, err := policy.AddDenyEntry(doc, cidr)
		if err != nil {
			return err
		}
		if !changed {
			outcome.Status = types.EnforcementDuplicate
			return nil
		}

		record, err := e.store.Commit(attemptCtx, updated, message)
		if err != nil {
			if types.IsConflict(err) {
				e.metrics.IncPolicyConflicts()
				e.log.V(1).Info("Policy changed underneath, retrying", "cidr", cidr, "attempt", outcome.Attempts)
			}
			return err
		}
		outcome.Status = types.EnforcementApplied
		outcome.Commit = record
		return nil
	})
	if err != nil {
		outcome.Status = types.EnforcementFailed
		if retriable(err) {
			return outcome, types.NewError(types.KindEnforcementFailed, "enforce "+cidr,
				fmt.Errorf("gave up after %d attempts: %w", outcome.Attempts, err))
		}
		return outcome, err
	}

	if outcome.Status == types.EnforcementApplied {
		e.metrics.IncPolicyCommits()
		if err := e.verifyBlocked(ctx, cidr); err != nil {
			outcome.Status = types.EnforcementFailed
			return outcome, types.NewError(types.KindEnforcementFailed, "verify "+cidr, err)
		}
		e.log.Info("Indicator blocked", "indicator", indicator, "cidr", cidr, "commit", outcome.Commit.Hash)
	} else {
		e.log.Info("Indicator already blocked", "indicator", indicator, "cidr", cidr)
	}
	return outcome, nil
}

func (e *Engine) retriable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return types.IsConflict(err) || errors.Is(err, context.DeadlineExceeded)
	}
}

func (e *Engine) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CommitTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CommitTimeout)
	}
	return context.WithCancel(ctx)
}

// verifyBlocked re-reads the store and checks the CIDR is present exactly once.
func (e *Engine) verifyBlocked(ctx context.Context, cidr string) error {
	doc, err := e.store.Read(ctx, e.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to re-read policy: %w", err)
	}

	count := 0
	for _, existing := range doc.Exceptions() {
		if normalized, err := policy.NormalizeIndicator(existing); err == nil && normalized == cidr {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("expected %s exactly once in %s, found %d", cidr, e.cfg.PolicyPath, count)
	}
	return nil
}
