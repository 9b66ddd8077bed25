package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/faucet-claimer/internal/classifier"
	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/metrics"
	"github.com/faucet-claimer/internal/progress"
	"github.com/faucet-claimer/internal/proxypool"
	"github.com/faucet-claimer/internal/retry"
	"github.com/faucet-claimer/internal/session"
	"github.com/faucet-claimer/internal/sink"
	"github.com/faucet-claimer/internal/types"
	"github.com/faucet-claimer/internal/watchdog"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// State names a step of the per-address state machine. Only used for logging.
type State string

const (
	StateInit                State = "init"
	StateProxyAssigned       State = "proxy_assigned"
	StateConnectivityChecked State = "connectivity_checked"
	StateAttempting          State = "attempting"
	StateClassified          State = "classified"
	StateRetrying            State = "retrying"
	StateTerminal            State = "terminal"
)

// sinkTimeout bounds a single record append, including after cancellation.
const sinkTimeout = 10 * time.Second

// defaultOpenGrace bounds how long a timed-out task keeps its slot waiting
// for a driver Open that ignores cancellation.
const defaultOpenGrace = 30 * time.Second

// Deps are the collaborators of an Orchestrator. Metrics and Tracker are
// optional; Limiter nil disables launch pacing.
type Deps struct {
	Pool       *proxypool.Pool
	Driver     session.Driver
	Sink       sink.Sink
	Classifier *classifier.Classifier
	Policy     *retry.Policy
	Metrics    *metrics.Collector
	Tracker    *progress.Tracker
	Limiter    *rate.Limiter
}

type Orchestrator struct {
	cfg       config.OrchestratorConfig
	runID     string
	deps      Deps
	deadline  time.Duration
	openGrace time.Duration
	now       func() time.Time
}

// Summary aggregates the terminal outcomes of one run.
type Summary struct {
	RunID    string               `json:"run_id"`
	Total    int                  `json:"total"`
	ByStatus map[types.Status]int `json:"by_status"`
	Duration time.Duration        `json:"duration"`
}

func (s Summary) Succeeded() int {
	return s.ByStatus[types.StatusSuccess]
}

func New(cfg config.OrchestratorConfig, runID string, deps Deps) (*Orchestrator, error) {
	if deps.Pool == nil || deps.Pool.Len() == 0 {
		return nil, proxypool.ErrEmptyPool
	}
	if deps.Driver == nil {
		return nil, errors.New("session driver is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("result sink is required")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	if cfg.TaskDeadlineSeconds < 1 {
		return nil, fmt.Errorf("task deadline must be >= 1s, got %d", cfg.TaskDeadlineSeconds)
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.Default()
	}
	if deps.Policy == nil {
		deps.Policy = retry.NewPolicy(config.Default().Retry)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector("faucetclaimer")
	}

	return &Orchestrator{
		cfg:      cfg,
		runID:    runID,
		deps:     deps,
		deadline:  cfg.TaskDeadline(),
		openGrace: defaultOpenGrace,
		now:       time.Now,
	}, nil
}

// Run drives every address to exactly one terminal record and returns the
// per-status totals. Individual task failures never abort the run; a
// cancelled ctx turns the remaining addresses into "run cancelled" records.
func (o *Orchestrator) Run(ctx context.Context, addresses []types.Address) Summary {
	startTime := time.Now()
	tracker := o.deps.Tracker
	if tracker == nil {
		tracker = progress.NewTracker(o.runID, len(addresses))
	}

	log.WithFields(log.Fields{
		"run_id":      o.runID,
		"addresses":   len(addresses),
		"proxies":     o.deps.Pool.Len(),
		"concurrency": o.cfg.Concurrency,
	}).Info("Starting claim run")

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go tracker.Report(reportCtx, o.cfg.ProgressInterval())

	summary := Summary{
		RunID:    o.runID,
		Total:    len(addresses),
		ByStatus: make(map[types.Status]int),
	}
	var summaryMu sync.Mutex

	// plain Group: one task's failure must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)

	for i, addr := range addresses {
		if o.deps.Limiter != nil && ctx.Err() == nil {
			// a cancelled wait still schedules the task so it gets recorded
			_ = o.deps.Limiter.Wait(ctx)
		}

		g.Go(func() error {
			rec := o.process(ctx, tracker, i, addr)

			summaryMu.Lock()
			summary.ByStatus[rec.Status]++
			summaryMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	tracker.Finish()
	summary.Duration = time.Since(startTime)

	log.WithFields(log.Fields{
		"run_id":    o.runID,
		"total":     summary.Total,
		"succeeded": summary.Succeeded(),
		"duration":  summary.Duration.Round(time.Millisecond).String(),
	}).Info("Claim run complete")

	return summary
}

// process runs one address from Init to Terminal and emits its record.
func (o *Orchestrator) process(ctx context.Context, tracker *progress.Tracker, index int, addr types.Address) types.ClaimRecord {
	startTime := time.Now()
	tracker.TaskStarted()

	logger := log.WithFields(log.Fields{
		"run_id":  o.runID,
		"address": string(addr),
	})
	logger.WithField("state", StateInit).Debug("Task started")

	var out types.Outcome
	proxy, err := o.deps.Pool.Assign(index)
	if err != nil {
		out = types.Outcome{Status: types.StatusError, Message: fmt.Sprintf("assign proxy: %v", err)}
	} else {
		logger = logger.WithField("proxy", proxy.Endpoint())
		logger.WithField("state", StateProxyAssigned).Info("Proxy assigned")
		out = o.supervise(ctx, logger, proxy, addr)
	}

	rec := types.ClaimRecord{
		Timestamp: o.now().UTC(),
		Address:   addr,
		Status:    out.Status,
		Message:   out.Message,
		Proxy:     proxy.Endpoint(),
		EgressIP:  out.EgressIP,
	}
	if err != nil {
		rec.Proxy = ""
	}

	o.emit(ctx, logger, rec)

	o.deps.Metrics.RecordClaim(rec.Status, time.Since(startTime).Seconds())
	tracker.TaskFinished(rec.Status)

	logger.WithFields(log.Fields{
		"state":     StateTerminal,
		"status":    rec.Status,
		"egress_ip": rec.EgressIP,
	}).Infof("Task finished: %s", rec.Message)

	return rec
}

// supervise runs the claim under the watchdog and releases the session
// before returning, whichever way the task ended.
func (o *Orchestrator) supervise(ctx context.Context, logger *log.Entry, proxy types.ProxyConfig, addr types.Address) types.Outcome {
	if ctx.Err() != nil {
		return types.Outcome{Status: types.StatusError, Message: watchdog.CancelledMessage}
	}

	holder := newSessionHolder(o.deps.Metrics, logger)
	out := watchdog.Run(ctx, o.deadline, func(taskCtx context.Context) types.Outcome {
		return o.claim(taskCtx, logger, holder, proxy, addr)
	})
	holder.release()

	// The slot is held until a pending Open has come back and its late
	// session has been closed.
	if !holder.waitOpen(o.openGrace) {
		logger.WithField("grace", o.openGrace.String()).Error("Session open still pending, giving up the slot")
	}

	egressIP, attempts := holder.snapshot()
	if out.EgressIP == "" {
		out.EgressIP = egressIP
	}
	if out.Status == types.StatusTimeout {
		logger.WithField("attempt", attempts).Warn("Task hit watchdog deadline")
	}
	return out
}

var errSessionReleased = errors.New("session arrived after the task ended")

// openSession opens and attaches a session, signalling the holder when Open
// has returned even if it panics.
func (o *Orchestrator) openSession(ctx context.Context, holder *sessionHolder, proxy types.ProxyConfig) (session.Session, error) {
	defer holder.openReturned()

	sess, err := o.deps.Driver.Open(ctx, proxy)
	if err != nil {
		return nil, err
	}
	if !holder.attach(sess) {
		return nil, errSessionReleased
	}
	return sess, nil
}

// claim is the watchdog-guarded body: open, connectivity check, attempt loop.
func (o *Orchestrator) claim(ctx context.Context, logger *log.Entry, holder *sessionHolder, proxy types.ProxyConfig, addr types.Address) types.Outcome {
	sess, err := o.openSession(ctx, holder, proxy)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errSessionReleased) {
			return watchdog.Interrupted(ctx, o.deadline)
		}
		if errors.Is(err, session.ErrProxyFailed) {
			return types.Outcome{Status: types.StatusProxyFailed, Message: fmt.Sprintf("open session: %v", err)}
		}
		return types.Outcome{Status: types.StatusError, Message: fmt.Sprintf("open session: %v", err)}
	}

	probeStart := time.Now()
	egressIP, err := sess.ConnectivityCheck(ctx)
	o.deps.Metrics.RecordConnectivity(proxy.Endpoint(), err == nil, time.Since(probeStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return watchdog.Interrupted(ctx, o.deadline)
		}
		logger.WithError(err).WithField("state", StateTerminal).Warn("Proxy connectivity check failed")
		return types.Outcome{
			Status:  types.StatusProxyFailed,
			Message: fmt.Sprintf("Proxy connectivity check failed: %v", err),
		}
	}
	holder.setEgressIP(egressIP)
	logger.WithFields(log.Fields{
		"state":     StateConnectivityChecked,
		"egress_ip": egressIP,
	}).Info("Proxy connectivity OK")

	for n := 1; ; n++ {
		attempt := types.ClaimAttempt{Address: addr, Proxy: proxy, Number: n, StartedAt: time.Now()}
		holder.setAttempts(n)
		attemptLog := logger.WithField("attempt", n)
		attemptLog.WithField("state", StateAttempting).Info("Attempting claim")

		raw, err := sess.AttemptClaim(ctx, attempt.Address)
		if ctx.Err() != nil {
			out := watchdog.Interrupted(ctx, o.deadline)
			out.EgressIP = egressIP
			return out
		}

		out := o.outcomeOf(raw, err)
		out.EgressIP = egressIP
		o.deps.Metrics.RecordAttempt(out.Status)
		attemptLog.WithFields(log.Fields{
			"state":    StateClassified,
			"status":   out.Status,
			"duration": time.Since(attempt.StartedAt).Round(time.Millisecond).String(),
		}).Infof("Attempt classified: %s", out.Message)

		decision := o.deps.Policy.Next(attempt.Number, out.Status)
		if !decision.Retry {
			return out
		}

		attemptLog.WithFields(log.Fields{
			"state": StateRetrying,
			"delay": decision.Delay.String(),
		}).Info("Retrying claim")
		if err := retry.Sleep(ctx, decision.Delay); err != nil {
			out := watchdog.Interrupted(ctx, o.deadline)
			out.EgressIP = egressIP
			return out
		}
	}
}

func (o *Orchestrator) outcomeOf(raw string, err error) types.Outcome {
	switch {
	case err == nil:
		return o.deps.Classifier.Classify(raw)
	case errors.Is(err, session.ErrChallengeDetected):
		return types.Outcome{Status: types.StatusCaptchaRequired, Message: fmt.Sprintf("Captcha detected: %v", err)}
	case errors.Is(err, session.ErrProxyFailed):
		return types.Outcome{Status: types.StatusProxyFailed, Message: err.Error()}
	default:
		return types.Outcome{Status: types.StatusError, Message: err.Error()}
	}
}

// emit appends rec to the sink. It survives run cancellation so cancelled
// addresses are still recorded.
func (o *Orchestrator) emit(ctx context.Context, logger *log.Entry, rec types.ClaimRecord) {
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if err := o.deps.Sink.Append(appendCtx, rec); err != nil {
		o.deps.Metrics.RecordSinkError()
		logger.WithError(err).Error("Failed to append claim record")
	}
}
