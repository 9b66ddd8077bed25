package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/faucet-claimer/internal/api"
	"github.com/faucet-claimer/internal/classifier"
	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/input"
	"github.com/faucet-claimer/internal/metrics"
	"github.com/faucet-claimer/internal/orchestrator"
	"github.com/faucet-claimer/internal/progress"
	"github.com/faucet-claimer/internal/proxypool"
	"github.com/faucet-claimer/internal/retry"
	"github.com/faucet-claimer/internal/session"
	"github.com/faucet-claimer/internal/sink"
	"github.com/faucet-claimer/internal/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// runFlags override the matching config file values when set.
type runFlags struct {
	addresses   string
	proxies     string
	output      string
	sinkType    string
	driver      string
	concurrency int
	headless    bool
	headful     bool
	serveAPI    bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim for every address in the address list",
	RunE:  runClaims,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.addresses, "addresses", "", "address list file")
	f.StringVar(&runOpts.proxies, "proxies", "", "proxy list file or http(s) URL")
	f.StringVar(&runOpts.output, "output", "", "sink path: CSV/SQLite file, redis addr or postgres DSN")
	f.StringVar(&runOpts.sinkType, "sink", "", "sink type: csv, sqlite, redis or postgres")
	f.StringVar(&runOpts.driver, "driver", "", "session driver: http or browser")
	f.IntVar(&runOpts.concurrency, "concurrency", 0, "maximum simultaneous address tasks")
	f.BoolVar(&runOpts.headless, "headless", false, "run browser sessions headless")
	f.BoolVar(&runOpts.headful, "headful", false, "show browser windows")
	f.BoolVar(&runOpts.serveAPI, "api", false, "serve the status API while running")
	runCmd.MarkFlagsMutuallyExclusive("headless", "headful")
	rootCmd.AddCommand(runCmd)
}

func (f runFlags) apply(cfg *config.Config) {
	if f.addresses != "" {
		cfg.Input.Addresses = f.addresses
	}
	if f.proxies != "" {
		cfg.Input.Proxies = f.proxies
	}
	if f.sinkType != "" && f.sinkType != cfg.Sink.Type {
		cfg.Sink.Type = f.sinkType
		// the old path belongs to the old sink type
		cfg.Sink.Path = ""
	}
	if f.output != "" {
		cfg.Sink.Path = f.output
	}
	if f.driver != "" {
		cfg.Session.Driver = f.driver
	}
	if f.concurrency > 0 {
		cfg.Orchestrator.Concurrency = f.concurrency
	}
	if f.headless || f.headful {
		headless := f.headless
		cfg.Session.Headless = &headless
	}
	if f.serveAPI {
		cfg.API.Enabled = true
	}
}

func runClaims(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runOpts.apply)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	log.WithField("run_id", runID).Infof("Starting faucet-claimer v%s against %s", version, cfg.Target.URL)

	// Inputs are validated before any task starts.
	addresses, err := input.LoadAddresses(cfg.Input.Addresses, cfg.Input.AddressPattern)
	if err != nil {
		return fmt.Errorf("load addresses: %w", err)
	}
	proxies, err := input.LoadProxies(ctx, cfg.Input.Proxies)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	pool, err := proxypool.New(proxies)
	if err != nil {
		return err
	}

	driver, err := session.NewDriver(cfg)
	if err != nil {
		return err
	}

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)
	tracker := progress.NewTracker(runID, len(addresses))

	resultSink, err := sink.New(ctx, cfg.Sink, runID)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer func() {
		if err := resultSink.Close(); err != nil {
			log.Errorf("Failed to close sink: %v", err)
		}
	}()

	var limiter *rate.Limiter
	if n := cfg.Orchestrator.LaunchRatePerMinute; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), 1)
	}

	orch, err := orchestrator.New(cfg.Orchestrator, runID, orchestrator.Deps{
		Pool:       pool,
		Driver:     driver,
		Sink:       resultSink,
		Classifier: classifier.New(cfg.Classifier),
		Policy:     retry.NewPolicy(cfg.Retry),
		Metrics:    metricsCollector,
		Tracker:    tracker,
		Limiter:    limiter,
	})
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(&cfg, tracker, metricsCollector, pool.All())
		go func() {
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Errorf("API server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("API server shutdown error: %v", err)
			}
		}()
	}

	summary := orch.Run(ctx, addresses)
	printSummary(cmd.OutOrStdout(), summary, cfg.Sink)

	// Non-success outcomes are data, not a process failure.
	return nil
}

func printSummary(out io.Writer, summary orchestrator.Summary, sinkCfg config.SinkConfig) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(w, "RUN\t%s\n", summary.RunID)
	_, _ = fmt.Fprintf(w, "DURATION\t%s\n", summary.Duration.Round(time.Second))
	switch sinkCfg.Type {
	case "csv", "sqlite":
		_, _ = fmt.Fprintf(w, "RESULTS\t%s (%s)\n", sinkCfg.Path, sinkCfg.Type)
	default:
		// path may be a DSN carrying credentials
		_, _ = fmt.Fprintf(w, "RESULTS\t%s\n", sinkCfg.Type)
	}
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, st := range types.AllStatuses {
		if n := summary.ByStatus[st]; n > 0 {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", st, n)
		}
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", summary.Total)
	_ = w.Flush()
}
