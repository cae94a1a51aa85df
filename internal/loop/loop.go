package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/aonescu/tiops/internal/authority"
	"github.com/aonescu/tiops/internal/evidence"
	"github.com/aonescu/tiops/internal/metrics"
	"github.com/aonescu/tiops/internal/state"
	"github.com/aonescu/tiops/internal/types"
)

type Scanner interface {
	ScanForSignal(ctx context.Context, signal types.ThreatSignal) (*types.ScanResult, error)
}

type Enforcer interface {
	EnforceIndicator(ctx context.Context, indicator string) (*types.EnforcementOutcome, error)
}

type Verifier interface {
	Verify(ctx context.Context, techniqueID string) (*types.VerificationJob, error)
}

// State is the phase an invocation is in.
type State string

const (
	Idle        State = "Idle"
	Dispatching State = "Dispatching"
	Enforcing   State = "Enforcing"
	Scanning    State = "Scanning"
	Verifying   State = "Verifying"
)

// Report is everything one invocation did.
type Report struct {
	Mode       authority.Mode  `json:"mode"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Degraded   bool            `json:"degraded"`
	Outcomes   []types.Outcome `json:"outcomes"`
}

func (r *Report) Counts() map[types.OutcomeStatus]int {
	counts := make(map[types.OutcomeStatus]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

type handler func(ctx context.Context, signal types.ThreatSignal, out *types.Outcome)

// Loop dispatches provider signals to the engine and the verification
// runner. Invocations are independent; concurrent ones share only the
// policy store and the ledger.
type Loop struct {
	scanner  Scanner
	enforcer Enforcer
	verifier Verifier
	ledger   state.Ledger
	metrics  *metrics.Metrics
	log      logr.Logger
	now      func() time.Time

	handlers map[types.SignalKind]handler

	seq    atomic.Uint64
	mu     sync.Mutex
	active map[string]State
}

type Option func(*Loop)

func WithLedger(l state.Ledger) Option {
	return func(lp *Loop) { lp.ledger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

func WithLogger(log logr.Logger) Option {
	return func(lp *Loop) { lp.log = log }
}

func New(scanner Scanner, enforcer Enforcer, verifier Verifier, opts ...Option) *Loop {
	l := &Loop{
		scanner:  scanner,
		enforcer: enforcer,
		verifier: verifier,
		log:      logr.Discard(),
		now:      time.Now,
		active:   make(map[string]State),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.handlers = map[types.SignalKind]handler{
		types.Vulnerability: l.handleVulnerability,
		types.Indicator:     l.handleIndicator,
		types.Technique:     l.handleTechnique,
	}
	return l
}

// States returns the phase of every running invocation.
func (l *Loop) States() map[string]State {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]State, len(l.active))
	for id, s := range l.active {
		out[id] = s
	}
	return out
}

func (l *Loop) transition(id string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s == Idle {
		delete(l.active, id)
	} else {
		l.active[id] = s
	}
	l.log.V(2).Info("State transition", "invocation", id, "state", s)
}

// Run polls every provider once and dispatches each signal in order. Per
// signal failures are reported as outcomes and never abort the batch.
func (l *Loop) Run(ctx context.Context, mode authority.Mode, providers ...evidence.Provider) (*Report, error) {
	if len(authority.Kinds(mode)) == 0 {
		return nil, types.NewError(types.KindInvalid, "run", fmt.Errorf("unknown mode %q", mode))
	}

	report := &Report{Mode: mode, StartedAt: l.now()}
	id := fmt.Sprintf("%s-%d", mode, l.seq.Add(1))
	defer l.transition(id, Idle)

	log := l.log.WithValues("mode", mode)
	for _, p := range providers {
		l.transition(id, Dispatching)

		batch, err := p.Poll(ctx)
		if err != nil {
			log.Error(err, "Provider poll failed", "provider", p.Name())
			l.finish(ctx, report, types.Outcome{
				Mode:   string(mode),
				Source: p.Name(),
				Status: types.StatusUndetermined,
				Error:  err.Error(),
			})
			continue
		}
		if batch.Degraded {
			report.Degraded = true
			log.Info("Processing degraded batch", "provider", p.Name(), "source", batch.Source)
		}

		for _, signal := range batch.Signals {
			out := types.Outcome{
				SignalKey:  signal.Key(),
				Kind:       signal.Kind,
				Identifier: signal.Identifier,
				Mode:       string(mode),
				Source:     batch.Source,
				Degraded:   batch.Degraded,
			}
			l.dispatch(ctx, id, mode, signal, &out)
			l.finish(ctx, report, out)
			l.transition(id, Dispatching)
		}
	}

	report.FinishedAt = l.now()
	log.Info("Invocation finished", "signals", len(report.Outcomes), "degraded", report.Degraded,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (l *Loop) dispatch(ctx context.Context, id string, mode authority.Mode, signal types.ThreatSignal, out *types.Outcome) {
	log := l.log.WithValues("kind", signal.Kind, "identifier", signal.Identifier)

	if err := ctx.Err(); err != nil {
		out.Status = types.StatusUndetermined
		out.Error = err.Error()
		return
	}

	h, known := l.handlers[signal.Kind]
	if !known || !authority.Allows(mode, signal.Kind) {
		log.Info("Signal outside mode authority, skipping", "mode", mode)
		out.Status = types.StatusSkipped
		return
	}

	if l.ledger != nil {
		done, err := l.ledger.Processed(ctx, out.SignalKey)
		if err != nil {
			log.Error(err, "Ledger lookup failed, dispatching anyway")
		} else if done {
			log.V(1).Info("Signal already processed")
			out.Status = types.StatusAlreadyProcessed
			return
		}
	}

	switch signal.Kind {
	case types.Vulnerability:
		l.transition(id, Scanning)
	case types.Indicator:
		l.transition(id, Enforcing)
	case types.Technique:
		l.transition(id, Verifying)
	}
	h(ctx, signal, out)
}

func (l *Loop) finish(ctx context.Context, report *Report, out types.Outcome) {
	out.RecordedAt = l.now()
	report.Outcomes = append(report.Outcomes, out)
	l.metrics.IncSignal(string(out.Kind), string(out.Status))

	if l.ledger == nil {
		return
	}
	// Record even if the invocation was cancelled.
	if err := l.ledger.Record(context.WithoutCancel(ctx), out); err != nil {
		l.log.Error(err, "Failed to record outcome", "key", out.SignalKey, "status", out.Status)
	}
}

func (l *Loop) handleVulnerability(ctx context.Context, signal types.ThreatSignal, out *types.Outcome) {
	result, err := l.scanner.ScanForSignal(ctx, signal)
	if err != nil {
		l.log.Error(err, "Scan failed", "cve", signal.Identifier)
		out.Status = types.StatusUndetermined
		out.Error = err.Error()
		return
	}

	out.Matches = result.Matches
	if len(result.Matches) == 0 {
		out.Status = types.StatusNoMatch
		return
	}
	out.Status = types.StatusMatchFound
	l.log.Info("Vulnerable workloads found", "cve", signal.Identifier, "matches", len(result.Matches))
}

func (l *Loop) handleIndicator(ctx context.Context, signal types.ThreatSignal, out *types.Outcome) {
	enforcement, err := l.enforcer.EnforceIndicator(ctx, signal.Identifier)
	out.Enforcement = enforcement
	if types.IsNotFound(err) {
		l.log.Info("Policy document missing, skipping", "indicator", signal.Identifier, "error", err.Error())
		out.Status = types.StatusSkipped
		out.Error = err.Error()
		return
	}
	if err != nil {
		l.log.Error(err, "Enforcement failed", "indicator", signal.Identifier)
		out.Status = types.StatusEnforcementFailed
		out.Error = err.Error()
		return
	}

	switch enforcement.Status {
	case types.EnforcementDuplicate:
		out.Status = types.StatusEnforcementDuplicate
	default:
		out.Status = types.StatusEnforcementApplied
	}

	// Workloads already talking to the indicator are reported, not acted on.
	if result, err := l.scanner.ScanForSignal(ctx, signal); err != nil {
		l.log.V(1).Info("Indicator scan failed", "indicator", signal.Identifier, "error", err.Error())
	} else {
		out.Matches = result.Matches
	}
}

func (l *Loop) handleTechnique(ctx context.Context, signal types.ThreatSignal, out *types.Outcome) {
	job, err := l.verifier.Verify(ctx, signal.Identifier)
	if err != nil {
		out.Error = err.Error()
		if types.IsNotFound(err) {
			l.log.Info("No runnable test for technique, skipping", "technique", signal.Identifier)
			out.Status = types.StatusVerificationSkipped
			return
		}
		l.log.Error(err, "Verification submission failed", "technique", signal.Identifier)
		out.Status = types.StatusSubmissionFailed
		return
	}
	out.Job = job
	out.Status = types.StatusVerificationLaunched
}
