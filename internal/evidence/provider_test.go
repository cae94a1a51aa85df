package evidence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/tiops/internal/metrics"
	"github.com/aonescu/tiops/internal/types"
)

const feedBody = `{"signals":[
  {"kind":"indicator","identifier":"203.0.113.99","observed_at":"2026-10-01T12:00:00Z","metadata":{"feed":"abuse"}},
  {"kind":"technique","identifier":"T1059.004","observed_at":"2026-10-01T12:00:00Z"},
  {"kind":"rumour","identifier":"ignored"},
  {"kind":"vulnerability","identifier":"  "}
]}`

func TestStaticProvider_PollAndDetail(t *testing.T) {
	ctx := context.Background()
	p := Signals("cli", types.Indicator, "1.2.3.4", "5.6.7.8")

	batch, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cli", batch.Source)
	assert.False(t, batch.Degraded)
	require.Len(t, batch.Signals, 2)
	assert.Equal(t, types.Indicator, batch.Signals[0].Kind)

	detail, err := p.FetchDetail(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.Equal(t, "indicator", detail["kind"])
	assert.Equal(t, "cli", detail["source"])

	_, err = p.FetchDetail(ctx, "9.9.9.9")
	assert.True(t, types.IsNotFound(err))
}

func TestStaticProvider_EmptyIsValid(t *testing.T) {
	batch, err := NewStaticProvider("none").Poll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, batch.Signals)
	assert.Empty(t, batch.Signals)
}

func TestFeedProvider_LiveFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/signals":
			w.Write([]byte(feedBody))
		case "/signals/203.0.113.99":
			w.Write([]byte(`{"confidence":"high","first_seen":"2026-09-30"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	p := NewFeedProvider("abuse", server.URL+"/signals")
	batch, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, batch.Degraded)
	assert.Equal(t, server.URL+"/signals", batch.Source)
	require.Len(t, batch.Signals, 2, "malformed entries are dropped")
	assert.Equal(t, "203.0.113.99", batch.Signals[0].Identifier)
	assert.Equal(t, "abuse", batch.Signals[0].Metadata["feed"])
	assert.Equal(t, types.Technique, batch.Signals[1].Kind)

	detail, err := p.FetchDetail(context.Background(), "203.0.113.99")
	require.NoError(t, err)
	assert.Equal(t, "high", detail["confidence"])

	_, err = p.FetchDetail(context.Background(), "198.51.100.1")
	assert.True(t, types.IsNotFound(err))
}

func TestFeedProvider_FallsBackToReplayFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	replay := filepath.Join(t.TempDir(), "replay.json")
	require.NoError(t, os.WriteFile(replay, []byte(feedBody), 0o644))

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	p := NewFeedProvider("abuse", server.URL, WithReplayFile(replay), WithFeedMetrics(m))

	batch, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, batch.Degraded)
	assert.Equal(t, "replay:"+replay, batch.Source)
	assert.Len(t, batch.Signals, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedPolls.WithLabelValues("abuse")))
}

func TestFeedProvider_FallsBackToBuiltinBundle(t *testing.T) {
	observed := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	p := NewFeedProvider("trivy", "http://127.0.0.1:1/unreachable",
		WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}),
		WithReplaySignals(OfflineBundle(observed)...))

	batch, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, batch.Degraded)
	assert.Equal(t, "replay:builtin", batch.Source)
	require.Len(t, batch.Signals, 1)
	assert.Equal(t, "CVE-2020-27350", batch.Signals[0].Identifier)
}

func TestFeedProvider_UnreachableWithoutReplayIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	batch, err := NewFeedProvider("abuse", server.URL).Poll(context.Background())
	assert.Nil(t, batch, "an unreachable feed must not look like an empty one")
	assert.True(t, types.IsConnectivity(err), "expected connectivity error, got %v", err)
}

func TestFeedProvider_MalformedBodyIsSchemaError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	_, err := NewFeedProvider("abuse", server.URL, WithReplaySignals(OfflineBundle(time.Now())...)).Poll(context.Background())
	assert.True(t, types.IsSchema(err), "expected schema error, got %v", err)
}
