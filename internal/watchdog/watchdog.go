package watchdog

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/faucet-claimer/internal/types"
	log "github.com/sirupsen/logrus"
)

// CancelledMessage is recorded when the whole run is cancelled mid-task.
const CancelledMessage = "run cancelled"

// Task is one address's unit of work. It must honour ctx where it can; the
// watchdog does not wait for tasks that ignore it.
type Task func(ctx context.Context) types.Outcome

// Run executes task under a hard wall-clock deadline. It returns the task's
// outcome, a timeout outcome when the deadline passes first, or an error
// outcome if the task panics or the parent context is cancelled. A task that
// never returns is abandoned; its goroutine exits whenever the blocked call does.
func Run(ctx context.Context, deadline time.Duration, task Task) types.Outcome {
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan types.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("stack", string(debug.Stack())).Errorf("Task panicked: %v", r)
				done <- types.Outcome{Status: types.StatusError, Message: fmt.Sprintf("panic: %v", r)}
			}
		}()
		done <- task(taskCtx)
	}()

	select {
	case out := <-done:
		return out
	case <-taskCtx.Done():
	}

	// prefer a result that raced the deadline
	select {
	case out := <-done:
		return out
	default:
	}

	if ctx.Err() != nil {
		return types.Outcome{Status: types.StatusError, Message: CancelledMessage}
	}
	return Interrupted(taskCtx, deadline)
}

// Interrupted maps a done task context to its outcome: timeout when the
// deadline expired, the cancellation outcome otherwise. Tasks that notice
// ctx.Done themselves return this so the record matches the watchdog's.
func Interrupted(taskCtx context.Context, deadline time.Duration) types.Outcome {
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return types.Outcome{
			Status:  types.StatusTimeout,
			Message: fmt.Sprintf("Task exceeded %s watchdog", deadline),
		}
	}
	return types.Outcome{Status: types.StatusError, Message: CancelledMessage}
}
