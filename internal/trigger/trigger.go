package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/aonescu/tiops/internal/authority"
	"github.com/aonescu/tiops/internal/evidence"
	"github.com/aonescu/tiops/internal/loop"
	"github.com/aonescu/tiops/internal/types"
)

// Runner runs one control loop invocation. *loop.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, mode authority.Mode, providers ...evidence.Provider) (*loop.Report, error)
}

// Reaper removes expired verification jobs. *verify.Runner satisfies it.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Request is the payload shared by the webhook and the message bus.
type Request struct {
	Mode    string               `json:"mode"`
	Signals []types.ThreatSignal `json:"signals,omitempty"`
}

// Reply carries the report, or usage text when the mode is not recognized.
type Reply struct {
	Report *loop.Report `json:"report,omitempty"`
	Error  string       `json:"error,omitempty"`
	Usage  string       `json:"usage,omitempty"`
}

// Dispatch runs req against runner. Signals carried in the request replace
// the configured providers; a request without signals polls them instead.
func Dispatch(ctx context.Context, runner Runner, source string, req Request, providers []evidence.Provider) Reply {
	mode, err := authority.ParseMode(req.Mode)
	if err != nil {
		return Reply{Error: err.Error(), Usage: authority.Usage()}
	}

	if len(req.Signals) > 0 {
		received := time.Now()
		signals := make([]types.ThreatSignal, 0, len(req.Signals))
		for _, s := range req.Signals {
			observed := s.ObservedAt
			if observed.IsZero() {
				observed = received
			}
			// Unknown kinds pass through so the loop logs the skip.
			kind := s.Kind
			if parsed, err := types.ParseSignalKind(string(s.Kind)); err == nil {
				kind = parsed
			}
			signals = append(signals, types.NewSignal(kind, s.Identifier, observed, s.Metadata))
		}
		providers = []evidence.Provider{evidence.NewStaticProvider(source, signals...)}
	}

	report, err := runner.Run(ctx, mode, providers...)
	if err != nil {
		return Reply{Error: fmt.Sprintf("run %s: %v", mode, err)}
	}
	return Reply{Report: report}
}
