package main

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/aonescu/tiops/internal/config"
	"github.com/aonescu/tiops/internal/db"
	"github.com/aonescu/tiops/internal/engine"
	"github.com/aonescu/tiops/internal/evidence"
	k8s "github.com/aonescu/tiops/internal/kubernetes"
	"github.com/aonescu/tiops/internal/loop"
	"github.com/aonescu/tiops/internal/metrics"
	"github.com/aonescu/tiops/internal/policy"
	"github.com/aonescu/tiops/internal/state"
	"github.com/aonescu/tiops/internal/types"
	"github.com/aonescu/tiops/internal/verify"
)

// dryRunDenyList seeds the in-memory policy store when no repository is set.
const dryRunDenyList = `apiVersion: networking.k8s.io/v1
kind: NetworkPolicy
metadata:
  name: threat-intel-deny-list
  namespace: default
spec:
  podSelector: {}
  policyTypes:
    - Egress
  egress:
    - to:
        - ipBlock:
            cidr: 0.0.0.0/0
            except: []
`

type app struct {
	cfg      *config.Config
	log      logr.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	clients  *k8s.Clients
	store    policy.Store
	engine   *engine.Engine
	runner   *verify.Runner
	ledger   state.Ledger
	loop     *loop.Loop
	closers  []func() error
}

func newApp(cfg *config.Config, log logr.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)

	clients, err := k8s.NewClients(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	a.clients = clients

	if err := a.openPolicyStore(); err != nil {
		return nil, err
	}

	a.engine = engine.NewEngine(clients.Dynamic, a.store, engine.Config{
		PolicyPath: cfg.PolicyPath,
		Backoff: wait.Backoff{
			Steps:    cfg.RetrySteps,
			Duration: cfg.RetryInitial,
			Factor:   2.0,
			Jitter:   0.1,
		},
		CommitTimeout: cfg.CommitTimeout,
	}, a.metrics, log.WithName("engine"))

	var source verify.TechniqueSource
	if !cfg.Simulate {
		atomics, err := verify.NewAtomicSource(cfg.AtomicsURL, &http.Client{Timeout: cfg.FeedTimeout}, 128)
		if err != nil {
			return nil, err
		}
		source = atomics
	}
	a.runner = verify.NewRunner(clients.Typed, source, verify.RunnerConfig{
		Namespace: cfg.VerifyNamespace,
		Image:     cfg.VerifyImage,
		TTL:       cfg.VerifyTTL,
		Platform:  cfg.Platform,
	}, a.metrics, log.WithName("verify"))

	a.ledger = a.openLedger()

	a.loop = loop.New(a.engine, a.engine, a.runner,
		loop.WithLedger(a.ledger),
		loop.WithMetrics(a.metrics),
		loop.WithLogger(log.WithName("loop")),
	)
	return a, nil
}

func (a *app) openPolicyStore() error {
	if a.cfg.PolicyRepo == "" {
		a.log.Info("No policy repository configured, changes stay in memory")
		mem := policy.NewMemoryStore()
		mem.Put(a.cfg.PolicyPath, []byte(dryRunDenyList))
		a.store = mem
		return nil
	}

	git, err := policy.NewGitStore(a.cfg.PolicyRepo,
		policy.WithAuthor(a.cfg.GitAuthorName, a.cfg.GitAuthorEmail),
		policy.WithLogger(a.log.WithName("policy")),
	)
	if err != nil {
		return err
	}
	a.store = git
	return nil
}

// openLedger prefers Postgres, then Bolt, and falls back to memory.
func (a *app) openLedger() state.Ledger {
	log := a.log.WithName("ledger")

	if a.cfg.DatabaseURL != "" {
		pg, err := db.NewPostgresLedger(a.cfg.DatabaseURL, log)
		if err == nil {
			log.Info("Connected to PostgreSQL")
			a.closers = append(a.closers, pg.Close)
			return pg
		}
		log.Error(err, "Failed to connect to PostgreSQL, falling back")
	}

	if a.cfg.BoltPath != "" {
		bolt, err := db.NewBoltLedger(a.cfg.BoltPath)
		if err == nil {
			log.Info("Using bolt ledger", "path", a.cfg.BoltPath)
			a.closers = append(a.closers, bolt.Close)
			return bolt
		}
		log.Error(err, "Failed to open bolt ledger, falling back", "path", a.cfg.BoltPath)
	}

	log.Info("Using in-memory ledger", "capacity", a.cfg.LedgerCapacity)
	mem, err := state.NewMemoryLedger(a.cfg.LedgerCapacity)
	if err != nil {
		// Capacity is validated by config.Load.
		panic(err)
	}
	return mem
}

// feedProviders returns the configured evidence feed. Offline, or without a
// feed URL, it serves the replay file or the builtin bundle.
func (a *app) feedProviders() []evidence.Provider {
	opts := []evidence.FeedOption{
		evidence.WithHTTPClient(&http.Client{Timeout: a.cfg.FeedTimeout}),
		evidence.WithFeedMetrics(a.metrics),
		evidence.WithFeedLogger(a.log.WithName("feed")),
	}
	if a.cfg.ReplayPath != "" {
		opts = append(opts, evidence.WithReplayFile(a.cfg.ReplayPath))
	} else {
		opts = append(opts, evidence.WithReplaySignals(evidence.OfflineBundle(time.Now())...))
	}

	url := a.cfg.FeedURL
	if a.cfg.Offline {
		url = ""
	}
	return []evidence.Provider{evidence.NewFeedProvider("feed", url, opts...)}
}

// providers uses signals given on the command line when there are any.
func (a *app) providers(cli map[types.SignalKind][]string) []evidence.Provider {
	var out []evidence.Provider
	for _, kind := range []types.SignalKind{types.Vulnerability, types.Indicator, types.Technique} {
		if ids := cli[kind]; len(ids) > 0 {
			out = append(out, evidence.Signals("cli", kind, ids...))
		}
	}
	if len(out) > 0 {
		return out
	}
	return a.feedProviders()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error(err, "Close failed")
		}
	}
}
