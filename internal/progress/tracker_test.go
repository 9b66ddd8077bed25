package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/faucet-claimer/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker("run", 3)

	tr.TaskStarted()
	tr.TaskStarted()
	assert.Equal(t, 2, tr.Get().InFlight)

	tr.TaskFinished(types.StatusSuccess)
	tr.TaskFinished(types.StatusRateLimited)

	s := tr.Get()
	assert.Equal(t, 0, s.InFlight)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.ByStatus[types.StatusSuccess])
	assert.Equal(t, 1, s.ByStatus[types.StatusRateLimited])
	assert.InDelta(t, 66.6, s.Percent(), 0.1)
	assert.False(t, s.Finished)

	tr.Finish()
	assert.True(t, tr.Get().Finished)
}

func TestSnapshotsAreImmutable(t *testing.T) {
	tr := NewTracker("run", 2)
	before := tr.Get()
	tr.TaskFinished(types.StatusTimeout)

	assert.Equal(t, 0, before.Completed)
	assert.Equal(t, 0, before.ByStatus[types.StatusTimeout])
	assert.Equal(t, 1, tr.Get().ByStatus[types.StatusTimeout])
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker("run", 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.TaskStarted()
			_ = tr.Get().Percent()
			tr.TaskFinished(types.StatusSuccess)
		}()
	}
	wg.Wait()

	s := tr.Get()
	assert.Equal(t, 100, s.Completed)
	assert.Equal(t, 100, s.ByStatus[types.StatusSuccess])
	assert.Equal(t, 100.0, s.Percent())
}

func TestEmptyRunIsComplete(t *testing.T) {
	assert.Equal(t, 100.0, NewTracker("run", 0).Get().Percent())
}

func TestReportStopsOnCancel(t *testing.T) {
	tr := NewTracker("run", 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tr.Report(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report did not return after cancel")
	}
}
