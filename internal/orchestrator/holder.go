package orchestrator

import (
	"sync"
	"time"

	"github.com/faucet-claimer/internal/metrics"
	"github.com/faucet-claimer/internal/session"
	log "github.com/sirupsen/logrus"
)

// sessionHolder owns the session of one task across the watchdog boundary.
// The task goroutine attaches the session; the orchestrator releases it after
// the watchdog returns, whether or not the task goroutine is still running.
// opened is closed once Driver.Open has returned and its session, if any, has
// been attached or closed.
type sessionHolder struct {
	mu       sync.Mutex
	sess     session.Session
	released bool
	egressIP string
	attempts int

	opened   chan struct{}
	openOnce sync.Once

	metrics *metrics.Collector
	logger  *log.Entry
}

func newSessionHolder(m *metrics.Collector, logger *log.Entry) *sessionHolder {
	return &sessionHolder{metrics: m, logger: logger, opened: make(chan struct{})}
}

func (h *sessionHolder) openReturned() {
	h.openOnce.Do(func() { close(h.opened) })
}

// waitOpen blocks until Open has returned or grace passes. It reports false
// on timeout.
func (h *sessionHolder) waitOpen(grace time.Duration) bool {
	select {
	case <-h.opened:
		return true
	default:
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.opened:
		return true
	case <-timer.C:
		return false
	}
}

// attach stores s. A session that arrives after release is closed on the
// spot and attach reports false.
func (h *sessionHolder) attach(s session.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		h.close(s)
		return false
	}
	h.sess = s
	h.metrics.SessionOpened()
	return true
}

// release closes the attached session, if any. Later calls are no-ops.
func (h *sessionHolder) release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	if h.sess != nil {
		h.close(h.sess)
		h.metrics.SessionClosed()
		h.sess = nil
	}
}

func (h *sessionHolder) close(s session.Session) {
	if err := s.Close(); err != nil {
		h.logger.WithError(err).Warn("Session close failed")
	}
}

func (h *sessionHolder) setEgressIP(ip string) {
	h.mu.Lock()
	h.egressIP = ip
	h.mu.Unlock()
}

func (h *sessionHolder) setAttempts(n int) {
	h.mu.Lock()
	h.attempts = n
	h.mu.Unlock()
}

func (h *sessionHolder) snapshot() (egressIP string, attempts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.egressIP, h.attempts
}
