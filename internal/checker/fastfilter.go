package checker

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faucet-claimer/internal/types"
	log "github.com/sirupsen/logrus"
)

// FastConnectFilter dials every proxy endpoint over plain TCP. The returned
// slice is aligned with proxies; a nil entry means the endpoint accepted a
// connection.
func FastConnectFilter(ctx context.Context, proxies []types.ProxyConfig, timeout time.Duration, concurrency int) []error {
	results := make([]error, len(proxies))
	if len(proxies) == 0 {
		return results
	}
	if concurrency < 1 {
		concurrency = 1
	}

	log.Infof("Starting fast TCP filter: %d proxies, concurrency=%d, timeout=%v",
		len(proxies), concurrency, timeout)

	startTime := time.Now()

	// Semaphore for concurrency control
	sem := make(chan struct{}, concurrency)

	var completed atomic.Int64
	var successful atomic.Int64
	progressTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-progressTicker.C:
				current := completed.Load()
				percent := float64(current) / float64(len(proxies)) * 100.0
				log.Infof("Fast filter progress: %d/%d (%.1f%%), connectable=%d, goroutines=%d",
					current, len(proxies), percent, successful.Load(), runtime.NumGoroutine())
			}
		}
	}()

	var wg sync.WaitGroup
	for i, p := range proxies {
		sem <- struct{}{}
		wg.Add(1)

		go func(i int, host string) {
			defer wg.Done()
			defer func() { <-sem }()

			results[i] = dialTCP(ctx, host, timeout)
			if results[i] == nil {
				successful.Add(1)
			}
			completed.Add(1)
		}(i, p.Host)
	}
	wg.Wait()

	duration := time.Since(startTime)
	log.Infof("Fast filter complete: %d/%d connectable in %v",
		successful.Load(), len(proxies), duration)

	return results
}

func dialTCP(ctx context.Context, address string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	conn.Close()
	return nil
}
