package httpx

import (
	"context"
	"os"
	"time"
)

// Watchdog aborts a transfer whose data flow has stalled. The returned
// context is attached to the request; Kick must be called whenever a
// chunk arrives. When the timer expires the context is cancelled with
// os.ErrDeadlineExceeded as the cause, which the caller can surface as
// a retryable network failure.
type Watchdog struct {
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func NewWatchdog(parent context.Context, timeout time.Duration) (context.Context, *Watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			cancel(os.ErrDeadlineExceeded)
		})
	}
	return ctx, &Watchdog{cancel: cancel, timer: timer, timeout: timeout}
}

// Kick resets the stall timer.
func (wd *Watchdog) Kick() {
	if wd.timeout > 0 {
		wd.timer.Reset(wd.timeout)
	}
}

// Stop releases the timer and the context.
func (wd *Watchdog) Stop() {
	if wd.timeout > 0 {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}
