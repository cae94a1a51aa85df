package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aonescu/tiops/cmd/server"
	"github.com/aonescu/tiops/internal/authority"
	"github.com/aonescu/tiops/internal/config"
	"github.com/aonescu/tiops/internal/formatting"
	"github.com/aonescu/tiops/internal/logging"
	"github.com/aonescu/tiops/internal/trigger"
	"github.com/aonescu/tiops/internal/types"
)

type globalOptions struct {
	kubeconfig string
	verbosity  int
	offline    bool
	simulate   bool
	policyRepo string
}

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:   "tiops",
		Short: "Threat-signal policy reconciliation and attack verification",
		Long: `tiops turns threat evidence into cluster actions.

deploy scans workloads for the CVEs a deploy event names.
cron blocks malicious indicators in the egress deny-list and launches
isolated verification jobs for attack techniques.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		// An unrecognized mode is a no-op.
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				fmt.Fprintf(out, "Unknown mode %q\n\n", args[0])
			}
			fmt.Fprint(out, authority.Usage())
			fmt.Fprintln(out)
			return cmd.Help()
		},
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.kubeconfig, "kubeconfig", "", "Path to kubeconfig (defaults to in-cluster, then ~/.kube/config)")
	flags.IntVarP(&opts.verbosity, "verbosity", "v", -1, "Log verbosity (overrides TIOPS_VERBOSITY)")
	flags.BoolVar(&opts.offline, "offline", false, "Serve evidence from the replay source only")
	flags.BoolVar(&opts.simulate, "simulate", false, "Launch simulation jobs instead of published technique tests")
	flags.StringVar(&opts.policyRepo, "policy-repo", "", "Git working tree holding the deny-list (empty keeps changes in memory)")

	rootCmd.AddCommand(
		newDeployCmd(&opts, out),
		newCronCmd(&opts, out),
		newServeCmd(&opts),
		newReapCmd(&opts, out),
		newStatusCmd(&opts, out),
	)
	return rootCmd
}

// setup loads configuration, applies flag overrides and builds the app.
func setup(opts *globalOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.kubeconfig != "" {
		cfg.Kubeconfig = opts.kubeconfig
	}
	if opts.verbosity >= 0 {
		cfg.Verbosity = opts.verbosity
	}
	if opts.offline {
		cfg.Offline = true
	}
	if opts.simulate {
		cfg.Simulate = true
	}
	if opts.policyRepo != "" {
		cfg.PolicyRepo = opts.policyRepo
	}

	log, err := logging.New(cfg.Verbosity, "tiops")
	if err != nil {
		return nil, err
	}
	return newApp(cfg, log)
}

func newDeployCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	var cves []string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Scan workloads for vulnerabilities named by a deploy event",
		Example: `  tiops deploy --cve CVE-2020-27350
  tiops deploy --offline`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), opts, out, authority.Deploy, map[types.SignalKind][]string{
				types.Vulnerability: cves,
			})
		},
	}
	cmd.Flags().StringSliceVar(&cves, "cve", nil, "CVE identifiers to scan for (defaults to the evidence feed)")
	return cmd
}

func newCronCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	var indicators, techniques []string

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Block malicious indicators and verify attack techniques",
		Example: `  tiops cron --indicator 203.0.113.7 --technique T1059.004
  tiops cron --policy-repo ./gitops --simulate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), opts, out, authority.Cron, map[types.SignalKind][]string{
				types.Indicator: indicators,
				types.Technique: techniques,
			})
		},
	}
	cmd.Flags().StringSliceVar(&indicators, "indicator", nil, "IP addresses or CIDRs to block")
	cmd.Flags().StringSliceVar(&techniques, "technique", nil, "MITRE ATT&CK technique IDs to verify")
	return cmd
}

func runMode(ctx context.Context, opts *globalOptions, out io.Writer, mode authority.Mode, cli map[types.SignalKind][]string) error {
	a, err := setup(opts)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := a.loop.Run(ctx, mode, a.providers(cli)...)
	if err != nil {
		return err
	}
	fmt.Fprint(out, formatting.FormatReport(report))
	return nil
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the cron schedule and the NATS trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runTimeout := 2 * a.cfg.VerifyTTL
	providers := a.feedProviders()

	scheduler := trigger.NewScheduler(a.loop, a.runner, providers, runTimeout, a.log)
	if err := scheduler.Schedule(a.cfg.CronSchedule, a.cfg.ReapSchedule); err != nil {
		return err
	}
	scheduler.Start()

	var natsTrigger *trigger.NATSTrigger
	if a.cfg.NATSURL != "" {
		nc, err := trigger.Connect(a.cfg.NATSURL, a.log)
		if err != nil {
			a.log.Error(err, "NATS trigger disabled")
		} else {
			defer nc.Close()
			natsTrigger = trigger.NewNATSTrigger(nc, a.cfg.NATSSubject, a.loop, providers, runTimeout, a.log)
			if err := natsTrigger.Start(); err != nil {
				return err
			}
		}
	}

	api := server.NewAPIServer(server.Options{
		Runner:    a.loop,
		Providers: providers,
		Ledger:    a.ledger,
		Jobs:      a.runner,
		Cluster:   a.clients,
		Gatherer:  a.registry,
		Timeout:   runTimeout,
		Log:       a.log,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- api.Start(a.cfg.APIAddress) }()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down")
	case serveErr = <-errCh:
		a.log.Error(serveErr, "API server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if natsTrigger != nil {
		if err := natsTrigger.Stop(); err != nil {
			a.log.Error(err, "Failed to drain NATS subscription")
		}
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		a.log.Error(err, "API shutdown failed")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		a.log.Error(err, "Scheduler shutdown failed")
	}
	return serveErr
}

func newReapCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete verification jobs past their expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.runner.Reap(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Reaped %d expired verification jobs\n", n)
			return nil
		},
	}
}

func newStatusCmd(opts *globalOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job>",
		Short: "Show the status of a verification job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			job, err := a.runner.Status(cmd.Context(), args[0])
			if err != nil {
				if types.IsNotFound(err) {
					return fmt.Errorf("no verification job named %s", args[0])
				}
				return err
			}
			fmt.Fprint(out, formatting.FormatJob(job))
			return nil
		},
	}
}
