package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faucet-claimer/internal/types"
	log "github.com/sirupsen/logrus"
)

type Snapshot struct {
	RunID     string               `json:"run_id"`
	Total     int                  `json:"total"`
	Completed int                  `json:"completed"`
	InFlight  int                  `json:"in_flight"`
	ByStatus  map[types.Status]int `json:"by_status"`
	StartedAt time.Time            `json:"started_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Finished  bool                 `json:"finished"`
}

func (s *Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Tracker holds the live run snapshot. Writers serialize on a mutex and
// publish a fresh copy; readers never block.
type Tracker struct {
	current atomic.Value // stores *Snapshot
	mu      sync.Mutex
}

func NewTracker(runID string, total int) *Tracker {
	t := &Tracker{}
	now := time.Now()
	t.current.Store(&Snapshot{
		RunID:     runID,
		Total:     total,
		ByStatus:  map[types.Status]int{},
		StartedAt: now,
		UpdatedAt: now,
	})
	return t
}

// Get returns the current snapshot (atomic read). Callers must not mutate it.
func (t *Tracker) Get() *Snapshot {
	return t.current.Load().(*Snapshot)
}

func (t *Tracker) TaskStarted() {
	t.update(func(s *Snapshot) {
		s.InFlight++
	})
}

func (t *Tracker) TaskFinished(status types.Status) {
	t.update(func(s *Snapshot) {
		if s.InFlight > 0 {
			s.InFlight--
		}
		s.Completed++
		s.ByStatus[status]++
	})
}

func (t *Tracker) Finish() {
	t.update(func(s *Snapshot) {
		s.Finished = true
	})
}

func (t *Tracker) update(fn func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.Get()
	next := *old
	next.ByStatus = make(map[types.Status]int, len(old.ByStatus))
	for k, v := range old.ByStatus {
		next.ByStatus[k] = v
	}
	fn(&next)
	next.UpdatedAt = time.Now()
	t.current.Store(&next)
}

// Report logs progress every interval until ctx is done.
func (t *Tracker) Report(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := t.Get()
			log.WithFields(log.Fields{
				"run_id":    s.RunID,
				"completed": s.Completed,
				"total":     s.Total,
				"in_flight": s.InFlight,
				"success":   s.ByStatus[types.StatusSuccess],
			}).Infof("Progress: %d/%d (%.1f%%)", s.Completed, s.Total, s.Percent())
		}
	}
}
