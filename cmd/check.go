package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/faucet-claimer/internal/checker"
	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/input"
	"github.com/faucet-claimer/internal/session"
	"github.com/spf13/cobra"
)

var checkOpts struct {
	proxies     string
	tcpOnly     bool
	timeout     time.Duration
	concurrency int
}

var checkCmd = &cobra.Command{
	Use:   "check-proxies",
	Short: "Report which proxies are reachable and what egress IP each one shows",
	RunE:  runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkOpts.proxies, "proxies", "", "proxy list file or http(s) URL")
	f.BoolVar(&checkOpts.tcpOnly, "tcp-only", false, "only test TCP reachability, skip the egress probe")
	f.DurationVar(&checkOpts.timeout, "timeout", 15*time.Second, "per-proxy timeout")
	f.IntVar(&checkOpts.concurrency, "concurrency", 16, "proxies checked at once")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(func(c *config.Config) {
		if checkOpts.proxies != "" {
			c.Input.Proxies = checkOpts.proxies
		}
		// probes never need a browser
		c.Session.Driver = "http"
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proxies, err := input.LoadProxies(ctx, cfg.Input.Proxies)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}

	var driver session.Driver
	if !checkOpts.tcpOnly {
		driver, err = session.NewHTTPDriver(cfg.Session, cfg.Target)
		if err != nil {
			return err
		}
	}

	results := checker.NewChecker(driver, nil, checkOpts.timeout, checkOpts.concurrency).CheckProxies(ctx, proxies)
	printCheckResults(cmd.OutOrStdout(), results)
	return nil
}

func printCheckResults(out io.Writer, results []checker.CheckResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROXY\tALIVE\tEGRESS IP\tLATENCY\tERROR")
	for _, r := range results {
		latency := "-"
		if r.Alive && r.LatencyMs > 0 {
			latency = fmt.Sprintf("%dms", r.LatencyMs)
		}
		egress := r.EgressIP
		if egress == "" {
			egress = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", r.Proxy, r.Alive, egress, latency, r.Error)
	}
	_ = w.Flush()
}
