package swap

import (
	"context"
	"sync"
	"time"

	"github.com/fedimint/lngateway/timer"
)

// timeOutService watches the deadline of a swap and fires the callback once
// it elapsed. The callback sends Event_OnTimeout into the swap's fsm.
type timeOutService interface {
	addNewTimeOut(ctx context.Context, d time.Duration, callback func())
}

type timeOutCallbackService struct{}

func newTimeOutService() timeOutService {
	return &timeOutCallbackService{}
}

func (t *timeOutCallbackService) addNewTimeOut(ctx context.Context, d time.Duration, callback func()) {
	go timer.TimedCallback(ctx, d, callback)
}

// timeOutDummy is used in tests to avoid waiting on real timers. It records
// the requested durations and keeps the callbacks so tests can fire them
// manually.
type timeOutDummy struct {
	sync.Mutex
	calls     []time.Duration
	callbacks []func()
}

func (t *timeOutDummy) addNewTimeOut(ctx context.Context, d time.Duration, callback func()) {
	t.Lock()
	defer t.Unlock()
	t.calls = append(t.calls, d)
	t.callbacks = append(t.callbacks, callback)
}

// fireLast runs the most recently armed callback, if any.
func (t *timeOutDummy) fireLast() {
	t.Lock()
	if len(t.callbacks) == 0 {
		t.Unlock()
		return
	}
	callback := t.callbacks[len(t.callbacks)-1]
	t.Unlock()
	callback()
}
