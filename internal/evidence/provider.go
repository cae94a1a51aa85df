package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/aonescu/tiops/internal/types"
)

// Provider supplies threat signals. A batch with no signals is a valid
// answer meaning nothing was observed; failure to determine is an error.
type Provider interface {
	Name() string
	Poll(ctx context.Context) (*Batch, error)
	FetchDetail(ctx context.Context, identifier string) (map[string]string, error)
}

// Batch is the result of one poll. Degraded marks batches served from an
// offline source instead of the live one.
type Batch struct {
	Source   string               `json:"source"`
	Signals  []types.ThreatSignal `json:"signals"`
	Degraded bool                 `json:"degraded"`
	PolledAt time.Time            `json:"polled_at"`
}

// StaticProvider returns a fixed set of signals, such as those passed on the
// command line or in a webhook payload.
type StaticProvider struct {
	name    string
	signals []types.ThreatSignal
	now     func() time.Time
}

func NewStaticProvider(name string, signals ...types.ThreatSignal) *StaticProvider {
	return &StaticProvider{
		name:    name,
		signals: append([]types.ThreatSignal(nil), signals...),
		now:     time.Now,
	}
}

// Signals builds a static provider from identifiers of a single kind, all
// observed now.
func Signals(name string, kind types.SignalKind, identifiers ...string) *StaticProvider {
	p := NewStaticProvider(name)
	observed := p.now()
	for _, id := range identifiers {
		p.signals = append(p.signals, types.NewSignal(kind, id, observed, map[string]string{"source": name}))
	}
	return p
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) Poll(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Batch{
		Source:   p.name,
		Signals:  append([]types.ThreatSignal{}, p.signals...),
		PolledAt: p.now(),
	}, nil
}

func (p *StaticProvider) FetchDetail(ctx context.Context, identifier string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, s := range p.signals {
		if s.Identifier != identifier {
			continue
		}
		detail := map[string]string{"kind": string(s.Kind)}
		for k, v := range s.Metadata {
			detail[k] = v
		}
		return detail, nil
	}
	return nil, types.NewError(types.KindNotFound, "fetch detail",
		fmt.Errorf("%s has no signal %q", p.name, identifier))
}
