package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/faucet-claimer/internal/metrics"
	"github.com/faucet-claimer/internal/session"
	"github.com/faucet-claimer/internal/types"
	log "github.com/sirupsen/logrus"
)

// Checker reports which proxies in a list are usable before a claim run.
type Checker struct {
	driver      session.Driver
	metrics     *metrics.Collector
	timeout     time.Duration
	concurrency int
}

type CheckResult struct {
	Proxy     string `json:"proxy"`
	Reachable bool   `json:"reachable"`
	Alive     bool   `json:"alive"`
	EgressIP  string `json:"egress_ip,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// NewChecker builds a checker. With a nil driver only TCP reachability is
// tested; otherwise reachable proxies also get an egress probe through a
// real session.
func NewChecker(driver session.Driver, metricsCollector *metrics.Collector, timeout time.Duration, concurrency int) *Checker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Checker{
		driver:      driver,
		metrics:     metricsCollector,
		timeout:     timeout,
		concurrency: concurrency,
	}
}

// CheckProxies returns one result per proxy, in input order.
func (c *Checker) CheckProxies(ctx context.Context, proxies []types.ProxyConfig) []CheckResult {
	startTime := time.Now()
	results := make([]CheckResult, len(proxies))

	connectErrs := FastConnectFilter(ctx, proxies, c.timeout, c.concurrency)
	for i, p := range proxies {
		results[i].Proxy = p.Endpoint()
		if connectErrs[i] != nil {
			results[i].Error = connectErrs[i].Error()
			continue
		}
		results[i].Reachable = true
		results[i].Alive = c.driver == nil
	}

	if c.driver != nil {
		sem := make(chan struct{}, c.concurrency)
		var wg sync.WaitGroup

		for i, p := range proxies {
			if !results[i].Reachable {
				continue
			}
			sem <- struct{}{}
			wg.Add(1)

			go func(i int, p types.ProxyConfig) {
				defer wg.Done()
				defer func() { <-sem }()
				c.probe(ctx, p, &results[i])
			}(i, p)
		}
		wg.Wait()
	}

	alive := 0
	for _, r := range results {
		if r.Alive {
			alive++
		}
	}
	log.Infof("Proxy check complete: %d/%d alive in %v", alive, len(proxies), time.Since(startTime))

	return results
}

func (c *Checker) probe(ctx context.Context, p types.ProxyConfig, result *CheckResult) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	ip, err := c.egress(probeCtx, p)
	latency := time.Since(startTime)

	if c.metrics != nil {
		c.metrics.RecordConnectivity(p.Endpoint(), err == nil, latency.Seconds())
	}
	if err != nil {
		result.Error = err.Error()
		return
	}
	result.Alive = true
	result.EgressIP = ip
	result.LatencyMs = latency.Milliseconds()
}

func (c *Checker) egress(ctx context.Context, p types.ProxyConfig) (string, error) {
	sess, err := c.driver.Open(ctx, p)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	return sess.ConnectivityCheck(ctx)
}
