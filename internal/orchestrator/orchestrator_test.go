package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/progress"
	"github.com/faucet-claimer/internal/proxypool"
	"github.com/faucet-claimer/internal/retry"
	"github.com/faucet-claimer/internal/session"
	"github.com/faucet-claimer/internal/types"
	"github.com/faucet-claimer/internal/watchdog"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type respondFunc func(ctx context.Context, addr types.Address, attempt int) (string, error)

// fakeDriver counts open sessions and records what each address saw.
type fakeDriver struct {
	respond    respondFunc
	connectErr func(proxy types.ProxyConfig) error
	openDelay  time.Duration
	hang       bool

	// overrides openDelay for the first Open only
	firstOpenDelay time.Duration

	mu       sync.Mutex
	opens    int
	open     int
	maxOpen  int
	sessions []*fakeSession
	assigned map[types.Address]string
	attempts map[types.Address]int
}

func newFakeDriver(respond respondFunc) *fakeDriver {
	return &fakeDriver{
		respond:  respond,
		assigned: make(map[types.Address]string),
		attempts: make(map[types.Address]int),
	}
}

func (d *fakeDriver) Open(ctx context.Context, proxy types.ProxyConfig) (session.Session, error) {
	d.mu.Lock()
	d.opens++
	delay := d.openDelay
	if d.opens == 1 && d.firstOpenDelay > 0 {
		delay = d.firstOpenDelay
	}
	d.mu.Unlock()

	if delay > 0 {
		// ignores ctx on purpose
		time.Sleep(delay)
	}
	s := &fakeSession{driver: d, proxy: proxy, closed: make(chan struct{})}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDriver) attemptsFor(addr types.Address) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[addr]
}

func (d *fakeDriver) proxyFor(addr types.Address) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.assigned[addr]
}

func (d *fakeDriver) allSessions() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSession(nil), d.sessions...)
}

type fakeSession struct {
	driver *fakeDriver
	proxy  types.ProxyConfig
	closes atomic.Int32
	closed chan struct{}
}

func (s *fakeSession) ConnectivityCheck(ctx context.Context) (string, error) {
	if s.driver.connectErr != nil {
		if err := s.driver.connectErr(s.proxy); err != nil {
			return "", err
		}
	}
	return "198.51.100." + strings.TrimPrefix(s.proxy.Host, "10.0.0."), nil
}

func (s *fakeSession) AttemptClaim(ctx context.Context, addr types.Address) (string, error) {
	s.driver.mu.Lock()
	s.driver.attempts[addr]++
	attempt := s.driver.attempts[addr]
	s.driver.assigned[addr] = s.proxy.Endpoint()
	s.driver.mu.Unlock()

	if s.driver.hang {
		<-s.closed
		return "", errors.New("session closed")
	}
	return s.driver.respond(ctx, addr, attempt)
}

func (s *fakeSession) Close() error {
	if s.closes.Add(1) == 1 {
		close(s.closed)
		s.driver.mu.Lock()
		s.driver.open--
		s.driver.mu.Unlock()
	}
	return nil
}

type memorySink struct {
	mu      sync.Mutex
	records []types.ClaimRecord
	err     error
}

func (m *memorySink) Append(ctx context.Context, rec types.ClaimRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) byAddress(t *testing.T) map[types.Address]types.ClaimRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.Address]types.ClaimRecord, len(m.records))
	for _, rec := range m.records {
		_, dup := out[rec.Address]
		require.False(t, dup, "duplicate record for %s", rec.Address)
		out[rec.Address] = rec
	}
	return out
}

func addresses(n int) []types.Address {
	out := make([]types.Address, n)
	for i := range out {
		out[i] = types.Address(fmt.Sprintf("0x%040x", i+1))
	}
	return out
}

func testProxies(n int) []types.ProxyConfig {
	out := make([]types.ProxyConfig, n)
	for i := range out {
		out[i] = types.ProxyConfig{Scheme: "http", Host: fmt.Sprintf("10.0.0.%d:8080", i+1)}
	}
	return out
}

type testSetup struct {
	proxies     int
	concurrency int
	maxAttempts int
	deadline    time.Duration
	openGrace   time.Duration
}

func newTestOrchestrator(t *testing.T, driver session.Driver, sink *memorySink, setup testSetup) *Orchestrator {
	t.Helper()
	if setup.proxies == 0 {
		setup.proxies = 3
	}
	if setup.concurrency == 0 {
		setup.concurrency = 2
	}
	if setup.maxAttempts == 0 {
		setup.maxAttempts = 2
	}

	pool, err := proxypool.New(testProxies(setup.proxies))
	require.NoError(t, err)

	o, err := New(config.OrchestratorConfig{
		Concurrency:         setup.concurrency,
		TaskDeadlineSeconds: 5,
	}, "test-run", Deps{
		Pool:   pool,
		Driver: driver,
		Sink:   sink,
		Policy: retry.NewPolicy(config.RetryConfig{
			MaxAttempts:     setup.maxAttempts,
			RateLimitBaseMs: 1,
			RateLimitStepMs: 1,
			FixedMs:         1,
			StepMs:          1,
		}),
	})
	require.NoError(t, err)
	if setup.deadline > 0 {
		o.deadline = setup.deadline
	}
	if setup.openGrace > 0 {
		o.openGrace = setup.openGrace
	}
	return o
}

func succeed(ctx context.Context, addr types.Address, attempt int) (string, error) {
	return "Success! Funds sent", nil
}

func TestEveryAddressRecordedOnce(t *testing.T) {
	driver := newFakeDriver(succeed)
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{concurrency: 4})

	addrs := addresses(25)
	summary := o.Run(context.Background(), addrs)

	records := sink.byAddress(t)
	require.Len(t, records, len(addrs))
	for _, addr := range addrs {
		rec, ok := records[addr]
		require.True(t, ok, "missing record for %s", addr)
		assert.Equal(t, types.StatusSuccess, rec.Status)
		assert.Equal(t, time.UTC, rec.Timestamp.Location())
		assert.NotEmpty(t, rec.EgressIP)
	}
	assert.Equal(t, 25, summary.Total)
	assert.Equal(t, 25, summary.Succeeded())
	assert.Equal(t, "test-run", summary.RunID)
}

func TestProxyAssignmentIsDeterministic(t *testing.T) {
	addrs := addresses(17)
	proxies := testProxies(3)

	for run := 0; run < 2; run++ {
		driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
			// scramble completion order
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			return "sent", nil
		})
		sink := &memorySink{}
		o := newTestOrchestrator(t, driver, sink, testSetup{concurrency: 5})
		o.Run(context.Background(), addrs)

		records := sink.byAddress(t)
		for i, addr := range addrs {
			want := proxies[i%len(proxies)].Endpoint()
			assert.Equal(t, want, driver.proxyFor(addr), "run %d address %d", run, i)
			assert.Equal(t, want, records[addr].Proxy)
		}
	}
}

func TestConnectivityFailureSkipsAttempts(t *testing.T) {
	driver := newFakeDriver(succeed)
	dead := testProxies(3)[1]
	driver.connectErr = func(p types.ProxyConfig) error {
		if p == dead {
			return fmt.Errorf("%w: dial tcp: connection refused", session.ErrProxyFailed)
		}
		return nil
	}
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{})

	addrs := addresses(6)
	o.Run(context.Background(), addrs)
	records := sink.byAddress(t)

	for i, addr := range addrs {
		if i%3 == 1 {
			assert.Equal(t, types.StatusProxyFailed, records[addr].Status)
			assert.Contains(t, records[addr].Message, "connectivity check failed")
			assert.Equal(t, 0, driver.attemptsFor(addr))
			assert.Empty(t, records[addr].EgressIP)
		} else {
			assert.Equal(t, types.StatusSuccess, records[addr].Status)
		}
	}
}

func TestHungDriverTimesOutAndClosesOnce(t *testing.T) {
	driver := newFakeDriver(nil)
	driver.hang = true
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{deadline: 100 * time.Millisecond})

	addrs := addresses(3)
	start := time.Now()
	summary := o.Run(context.Background(), addrs)
	assert.Less(t, time.Since(start), 3*time.Second)

	records := sink.byAddress(t)
	require.Len(t, records, 3)
	for _, addr := range addrs {
		assert.Equal(t, types.StatusTimeout, records[addr].Status)
		assert.Contains(t, records[addr].Message, "watchdog")
		assert.NotEmpty(t, records[addr].EgressIP)
	}
	assert.Equal(t, 3, summary.ByStatus[types.StatusTimeout])

	sessions := driver.allSessions()
	require.Len(t, sessions, 3)
	for _, s := range sessions {
		assert.Equal(t, int32(1), s.closes.Load())
	}
}

func TestSlowOpenKeepsSlotUntilSessionClosed(t *testing.T) {
	driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
		select {
		case <-time.After(40 * time.Millisecond):
			return "Success! Funds sent", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	driver.firstOpenDelay = 250 * time.Millisecond
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{
		concurrency: 1,
		deadline:    100 * time.Millisecond,
		openGrace:   2 * time.Second,
	})

	addrs := addresses(3)
	o.Run(context.Background(), addrs)

	driver.mu.Lock()
	maxOpen := driver.maxOpen
	driver.mu.Unlock()
	assert.Equal(t, 1, maxOpen, "more sessions open than pool width 1")

	records := sink.byAddress(t)
	require.Len(t, records, 3)
	assert.Equal(t, types.StatusTimeout, records[addrs[0]].Status)
	assert.Equal(t, types.StatusSuccess, records[addrs[1]].Status)
	assert.Equal(t, types.StatusSuccess, records[addrs[2]].Status)

	for _, sess := range driver.allSessions() {
		assert.EqualValues(t, 1, sess.closes.Load())
	}
}

func TestOpenGraceBoundsSlotHold(t *testing.T) {
	driver := newFakeDriver(succeed)
	driver.openDelay = 400 * time.Millisecond
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{
		concurrency: 1,
		deadline:    20 * time.Millisecond,
		openGrace:   30 * time.Millisecond,
	})

	start := time.Now()
	o.Run(context.Background(), addresses(1))
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	records := sink.byAddress(t)
	require.Len(t, records, 1)

	// the late session is still closed on arrival
	require.Eventually(t, func() bool {
		sessions := driver.allSessions()
		return len(sessions) == 1 && sessions[0].closes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionOpenedAfterDeadlineIsClosed(t *testing.T) {
	driver := newFakeDriver(succeed)
	driver.openDelay = 150 * time.Millisecond
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{deadline: 30 * time.Millisecond})

	o.Run(context.Background(), addresses(1))

	records := sink.byAddress(t)
	require.Len(t, records, 1)
	for _, rec := range records {
		assert.Equal(t, types.StatusTimeout, rec.Status)
	}

	require.Eventually(t, func() bool {
		sessions := driver.allSessions()
		return len(sessions) == 1 && sessions[0].closes.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryCapWithRateLimit(t *testing.T) {
	driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
		return "Too many requests, please wait", nil
	})
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{maxAttempts: 2})

	addrs := addresses(2)
	o.Run(context.Background(), addrs)
	records := sink.byAddress(t)

	for _, addr := range addrs {
		assert.Equal(t, 2, driver.attemptsFor(addr))
		assert.Equal(t, types.StatusRateLimited, records[addr].Status)
		assert.Equal(t, "Too many requests, please wait", records[addr].Message)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("navigation failed")
		}
		return "Claimed successfully", nil
	})
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{maxAttempts: 3})

	addr := addresses(1)[0]
	o.Run(context.Background(), []types.Address{addr})

	assert.Equal(t, 2, driver.attemptsFor(addr))
	assert.Equal(t, types.StatusSuccess, sink.byAddress(t)[addr].Status)
}

func TestTerminalOutcomesAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		respond respondFunc
		want    types.Status
	}{
		{
			name: "already claimed",
			respond: func(ctx context.Context, addr types.Address, attempt int) (string, error) {
				return "You have already claimed today", nil
			},
			want: types.StatusAlreadyClaimed,
		},
		{
			name: "challenge signal",
			respond: func(ctx context.Context, addr types.Address, attempt int) (string, error) {
				return "", fmt.Errorf("landing page: %w", session.ErrChallengeDetected)
			},
			want: types.StatusCaptchaRequired,
		},
		{
			name: "challenge keyword wins over success",
			respond: func(ctx context.Context, addr types.Address, attempt int) (string, error) {
				return "hCaptcha required before success", nil
			},
			want: types.StatusCaptchaRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := newFakeDriver(tt.respond)
			sink := &memorySink{}
			o := newTestOrchestrator(t, driver, sink, testSetup{maxAttempts: 5})

			addr := addresses(1)[0]
			o.Run(context.Background(), []types.Address{addr})

			assert.Equal(t, 1, driver.attemptsFor(addr))
			assert.Equal(t, tt.want, sink.byAddress(t)[addr].Status)
		})
	}
}

func TestUnclassifiedResponseIsUnknown(t *testing.T) {
	driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
		return session.NoMessage, nil
	})
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{maxAttempts: 2})

	addr := addresses(1)[0]
	o.Run(context.Background(), []types.Address{addr})

	assert.Equal(t, types.StatusUnknown, sink.byAddress(t)[addr].Status)
	assert.Equal(t, 2, driver.attemptsFor(addr))
}

func TestConcurrencyBound(t *testing.T) {
	var live, peak atomic.Int32
	driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
		n := live.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		live.Add(-1)
		return "done", nil
	})
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{concurrency: 3})

	o.Run(context.Background(), addresses(20))

	assert.LessOrEqual(t, int(peak.Load()), 3)
	driver.mu.Lock()
	defer driver.mu.Unlock()
	assert.LessOrEqual(t, driver.maxOpen, 3)
	assert.Equal(t, 0, driver.open)
}

func TestPanicIsContained(t *testing.T) {
	addrs := addresses(4)
	driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
		if addr == addrs[2] {
			panic("selector exploded")
		}
		return "success", nil
	})
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{})

	o.Run(context.Background(), addrs)
	records := sink.byAddress(t)

	require.Len(t, records, 4)
	assert.Equal(t, types.StatusError, records[addrs[2]].Status)
	assert.Contains(t, records[addrs[2]].Message, "selector exploded")
	assert.Equal(t, types.StatusSuccess, records[addrs[0]].Status)

	for _, s := range driver.allSessions() {
		assert.Equal(t, int32(1), s.closes.Load())
	}
}

func TestCancelledRunRecordsEveryAddress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	driver := newFakeDriver(func(ctx context.Context, addr types.Address, attempt int) (string, error) {
		if started.Add(1) == 2 {
			cancel()
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{concurrency: 2})

	addrs := addresses(10)
	summary := o.Run(ctx, addrs)

	records := sink.byAddress(t)
	require.Len(t, records, len(addrs))
	for _, addr := range addrs {
		assert.Equal(t, types.StatusError, records[addr].Status)
		assert.Equal(t, watchdog.CancelledMessage, records[addr].Message)
	}
	assert.Equal(t, 10, summary.ByStatus[types.StatusError])
}

func TestSinkErrorsDoNotAbortRun(t *testing.T) {
	driver := newFakeDriver(succeed)
	sink := &memorySink{err: errors.New("disk full")}
	o := newTestOrchestrator(t, driver, sink, testSetup{})

	summary := o.Run(context.Background(), addresses(5))
	assert.Equal(t, 5, summary.Succeeded())
	assert.Len(t, sink.records, 5)
}

func TestTrackerReflectsRun(t *testing.T) {
	driver := newFakeDriver(succeed)
	sink := &memorySink{}
	o := newTestOrchestrator(t, driver, sink, testSetup{})
	tracker := progress.NewTracker("test-run", 4)
	o.deps.Tracker = tracker

	o.Run(context.Background(), addresses(4))

	snap := tracker.Get()
	assert.True(t, snap.Finished)
	assert.Equal(t, 4, snap.Completed)
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, 4, snap.ByStatus[types.StatusSuccess])
}

func TestNewValidation(t *testing.T) {
	pool, err := proxypool.New(testProxies(1))
	require.NoError(t, err)
	cfg := config.OrchestratorConfig{Concurrency: 1, TaskDeadlineSeconds: 1}

	_, err = New(cfg, "r", Deps{Driver: newFakeDriver(succeed), Sink: &memorySink{}})
	assert.ErrorIs(t, err, proxypool.ErrEmptyPool)

	_, err = New(cfg, "r", Deps{Pool: pool, Sink: &memorySink{}})
	assert.Error(t, err)

	_, err = New(config.OrchestratorConfig{TaskDeadlineSeconds: 1}, "r",
		Deps{Pool: pool, Driver: newFakeDriver(succeed), Sink: &memorySink{}})
	assert.Error(t, err)
}
