package timer

import (
	"context"
	"time"
)

// TimedCallback calls the callback after the duration d has passed. The timer
// is dropped without firing when the context is canceled first.
func TimedCallback(ctx context.Context, d time.Duration, callback func()) {
	timer := time.NewTimer(d)

	select {
	case <-timer.C:
		callback()
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
	}
}
