package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/aonescu/tiops/internal/metrics"
	"github.com/aonescu/tiops/internal/types"
)

const (
	defaultFeedTimeout = 10 * time.Second
	maxFeedBody        = 8 << 20
)

// feedPayload is the wire shape of both the live feed and replay files.
type feedPayload struct {
	Signals []types.ThreatSignal `json:"signals"`
}

// FeedProvider polls an HTTP JSON feed. When the feed is unreachable it
// serves the configured replay source and marks the batch degraded.
type FeedProvider struct {
	name        string
	url         string
	client      *http.Client
	replayPath  string
	replay      []types.ThreatSignal
	replayBuilt bool
	metrics     *metrics.Metrics
	log         logr.Logger
	now         func() time.Time
}

type FeedOption func(*FeedProvider)

func WithHTTPClient(c *http.Client) FeedOption {
	return func(p *FeedProvider) { p.client = c }
}

// WithReplayFile falls back to a JSON file of the feed's shape.
func WithReplayFile(path string) FeedOption {
	return func(p *FeedProvider) { p.replayPath = path }
}

// WithReplaySignals falls back to an in-memory bundle.
func WithReplaySignals(signals ...types.ThreatSignal) FeedOption {
	return func(p *FeedProvider) {
		p.replay = append([]types.ThreatSignal(nil), signals...)
		p.replayBuilt = true
	}
}

func WithFeedMetrics(m *metrics.Metrics) FeedOption {
	return func(p *FeedProvider) { p.metrics = m }
}

func WithFeedLogger(log logr.Logger) FeedOption {
	return func(p *FeedProvider) { p.log = log }
}

func NewFeedProvider(name, feedURL string, opts ...FeedOption) *FeedProvider {
	p := &FeedProvider{
		name:   name,
		url:    strings.TrimRight(feedURL, "/"),
		client: &http.Client{Timeout: defaultFeedTimeout},
		log:    logr.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OfflineBundle is the builtin replay bundle used when no feed is reachable
// and no replay file is configured.
func OfflineBundle(observedAt time.Time) []types.ThreatSignal {
	return []types.ThreatSignal{
		types.NewSignal(types.Vulnerability, "CVE-2020-27350", observedAt, map[string]string{
			"source":  "offline",
			"package": "apt",
		}),
	}
}

func (p *FeedProvider) Name() string { return p.name }

func (p *FeedProvider) Poll(ctx context.Context) (*Batch, error) {
	signals, err := p.fetchLive(ctx)
	if err == nil {
		return &Batch{Source: p.url, Signals: signals, PolledAt: p.now()}, nil
	}
	if !types.IsConnectivity(err) || ctx.Err() != nil {
		return nil, err
	}

	source, replayed, rerr := p.loadReplay()
	if rerr != nil {
		p.log.Error(rerr, "Replay source unavailable", "provider", p.name)
		return nil, err
	}
	if source == "" {
		return nil, err
	}

	p.metrics.IncDegradedPolls(p.name)
	p.log.Info("Feed unreachable, serving replay", "provider", p.name, "source", source, "error", err.Error())
	return &Batch{
		Source:   source,
		Signals:  replayed,
		Degraded: true,
		PolledAt: p.now(),
	}, nil
}

func (p *FeedProvider) fetchLive(ctx context.Context) ([]types.ThreatSignal, error) {
	body, err := p.get(ctx, p.url)
	if err != nil {
		return nil, err
	}
	return decodeSignals(body, p.log)
}

// FetchDetail retrieves the feed's record for one identifier.
func (p *FeedProvider) FetchDetail(ctx context.Context, identifier string) (map[string]string, error) {
	body, err := p.get(ctx, p.url+"/"+url.PathEscape(identifier))
	if err != nil {
		return nil, err
	}
	var detail map[string]string
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, types.NewError(types.KindSchema, "decode detail", err)
	}
	return detail, nil
}

func (p *FeedProvider) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, types.NewError(types.KindInvalid, "build feed request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.KindConnectivity, "poll "+p.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewError(types.KindNotFound, "poll "+p.name, fmt.Errorf("%s returned 404", target))
	case resp.StatusCode >= 500:
		return nil, types.NewError(types.KindConnectivity, "poll "+p.name, fmt.Errorf("%s returned %d", target, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewError(types.KindInvalid, "poll "+p.name, fmt.Errorf("%s returned %d", target, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, types.NewError(types.KindConnectivity, "read "+p.name, err)
	}
	return body, nil
}

// loadReplay returns an empty source when no replay is configured.
func (p *FeedProvider) loadReplay() (string, []types.ThreatSignal, error) {
	if p.replayPath != "" {
		data, err := os.ReadFile(p.replayPath)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read replay file: %w", err)
		}
		signals, err := decodeSignals(data, p.log)
		if err != nil {
			return "", nil, err
		}
		return "replay:" + p.replayPath, signals, nil
	}
	if p.replayBuilt {
		return "replay:builtin", append([]types.ThreatSignal{}, p.replay...), nil
	}
	return "", nil, nil
}

// decodeSignals drops entries with an unknown kind or no identifier.
func decodeSignals(data []byte, log logr.Logger) ([]types.ThreatSignal, error) {
	var payload feedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, types.NewError(types.KindSchema, "decode feed", err)
	}

	signals := make([]types.ThreatSignal, 0, len(payload.Signals))
	for _, s := range payload.Signals {
		kind, err := types.ParseSignalKind(string(s.Kind))
		if err != nil || strings.TrimSpace(s.Identifier) == "" {
			log.Info("Dropping malformed feed entry", "kind", s.Kind, "identifier", s.Identifier)
			continue
		}
		signals = append(signals, types.NewSignal(kind, strings.TrimSpace(s.Identifier), s.ObservedAt, s.Metadata))
	}
	return signals, nil
}
