package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/aonescu/tiops/internal/authority"
	"github.com/aonescu/tiops/internal/evidence"
	"github.com/aonescu/tiops/internal/loop"
)

// Scheduler runs cron-mode invocations and reaps expired verification jobs
// on fixed schedules.
type Scheduler struct {
	cron      *cron.Cron
	runner    Runner
	reaper    Reaper
	providers []evidence.Provider
	timeout   time.Duration
	log       logr.Logger

	mu   sync.Mutex
	last *loop.Report
}

func NewScheduler(runner Runner, reaper Reaper, providers []evidence.Provider, timeout time.Duration, log logr.Logger) *Scheduler {
	log = log.WithName("scheduler")
	return &Scheduler{
		// logr.Logger satisfies cron.Logger.
		cron: cron.New(
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		runner:    runner,
		reaper:    reaper,
		providers: providers,
		timeout:   timeout,
		log:       log,
	}
}

// Schedule registers the loop and reap jobs. An empty spec disables the job.
func (s *Scheduler) Schedule(runSpec, reapSpec string) error {
	if runSpec != "" {
		id, err := s.cron.AddFunc(runSpec, func() { s.RunCron(context.Background()) })
		if err != nil {
			return fmt.Errorf("add cron schedule %q: %w", runSpec, err)
		}
		s.log.Info("Cron run scheduled", "spec", runSpec, "entry_id", id)
	}
	if reapSpec != "" && s.reaper != nil {
		id, err := s.cron.AddFunc(reapSpec, func() { s.ReapExpired(context.Background()) })
		if err != nil {
			return fmt.Errorf("add reap schedule %q: %w", reapSpec, err)
		}
		s.log.Info("Reap scheduled", "spec", reapSpec, "entry_id", id)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started", "entries", len(s.cron.Entries()))
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Info("Scheduler stop timed out")
		return ctx.Err()
	}
}

// RunCron performs one cron-mode invocation over the configured providers.
func (s *Scheduler) RunCron(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report, err := s.runner.Run(ctx, authority.Cron, s.providers...)
	if err != nil {
		s.log.Error(err, "Scheduled run failed")
		return
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	s.log.Info("Scheduled run finished", "signals", len(report.Outcomes), "degraded", report.Degraded)
}

func (s *Scheduler) ReapExpired(ctx context.Context) {
	n, err := s.reaper.Reap(ctx)
	if err != nil {
		s.log.Error(err, "Reap failed")
		return
	}
	if n > 0 {
		s.log.Info("Reaped expired verification jobs", "count", n)
	}
}

// LastReport is the report of the most recent successful scheduled run.
func (s *Scheduler) LastReport() *loop.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
