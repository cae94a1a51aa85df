package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aonescu/tiops/internal/evidence"
	"github.com/aonescu/tiops/internal/state"
	"github.com/aonescu/tiops/internal/trigger"
	"github.com/aonescu/tiops/internal/types"
)

// JobReader looks up verification jobs. *verify.Runner satisfies it.
type JobReader interface {
	Status(ctx context.Context, id string) (*types.VerificationJob, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Runner    trigger.Runner
	Providers []evidence.Provider
	Ledger    state.Ledger
	Jobs      JobReader
	Cluster   Pinger
	Gatherer  prometheus.Gatherer
	Timeout   time.Duration
	Log       logr.Logger
}

type APIServer struct {
	runner    trigger.Runner
	providers []evidence.Provider
	ledger    state.Ledger
	jobs      JobReader
	cluster   Pinger
	gatherer  prometheus.Gatherer
	timeout   time.Duration
	log       logr.Logger
	mux       *http.ServeMux
	srv       *http.Server
}

func NewAPIServer(opts Options) *APIServer {
	api := &APIServer{
		runner:    opts.Runner,
		providers: opts.Providers,
		ledger:    opts.Ledger,
		jobs:      opts.Jobs,
		cluster:   opts.Cluster,
		gatherer:  opts.Gatherer,
		timeout:   opts.Timeout,
		log:       opts.Log.WithName("api"),
		mux:       http.NewServeMux(),
	}
	api.registerRoutes()
	api.srv = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return api
}

func (api *APIServer) registerRoutes() {
	// Webhook trigger
	api.mux.HandleFunc("/api/v1/trigger", api.handleTrigger)

	// Verification jobs
	api.mux.HandleFunc("/api/v1/jobs", api.handleJob)

	// Ledger
	api.mux.HandleFunc("/api/v1/outcomes", api.handleOutcomes)
	api.mux.HandleFunc("/api/v1/stats", api.handleStats)

	// Health check
	api.mux.HandleFunc("/health", api.handleHealth)
	api.mux.HandleFunc("/ready", api.handleReady)

	if api.gatherer != nil {
		api.mux.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler is the routed mux wrapped in the server middleware.
func (api *APIServer) Handler() http.Handler {
	return api.corsMiddleware(api.loggingMiddleware(api.mux))
}

func (api *APIServer) Start(addr string) error {
	api.log.Info("Starting API server", "address", addr)

	api.srv.Addr = addr
	if err := api.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (api *APIServer) Shutdown(ctx context.Context) error {
	return api.srv.Shutdown(ctx)
}
