package scheduler

import (
	"sync"
	"time"
)

// Timer fires once.
type Timer interface {
	C() <-chan time.Time
	Stop()
}

// Ticker fires repeatedly.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the scheduler's time source.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// RealClock returns a Clock backed by package time.
func RealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTimer(d time.Duration) Timer {
	return realTimer{timer: time.NewTimer(d)}
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{ticker: time.NewTicker(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) C() <-chan time.Time { return t.timer.C }
func (t realTimer) Stop()               { t.timer.Stop() }

type realTicker struct {
	ticker *time.Ticker
}

func (t realTicker) C() <-chan time.Time { return t.ticker.C }
func (t realTicker) Stop()               { t.ticker.Stop() }

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	clock    *FakeClock
	deadline time.Time
	period   time.Duration
	channel  chan time.Time
	stopped  bool
}

// NewFakeClock starts a fake clock at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake time.
func (clock *FakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

// NewTimer registers a one-shot waiter.
func (clock *FakeClock) NewTimer(d time.Duration) Timer {
	return clock.register(d, 0)
}

// NewTicker registers a periodic waiter.
func (clock *FakeClock) NewTicker(d time.Duration) Ticker {
	return clock.register(d, d)
}

// Waiters returns the number of active timers and tickers.
func (clock *FakeClock) Waiters() int {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	active := 0
	for _, waiter := range clock.waiters {
		if !waiter.stopped {
			active++
		}
	}
	return active
}

// Advance moves time forward and fires every waiter that became due. A ticker that
// misses several periods delivers a single tick, like time.Ticker.
func (clock *FakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(d)
	for _, waiter := range clock.waiters {
		for !waiter.stopped && !waiter.deadline.After(clock.now) {
			select {
			case waiter.channel <- clock.now:
			default:
			}
			if waiter.period == 0 {
				waiter.stopped = true
				break
			}
			waiter.deadline = waiter.deadline.Add(waiter.period)
		}
	}
}

func (clock *FakeClock) register(d time.Duration, period time.Duration) *fakeWaiter {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	waiter := &fakeWaiter{
		clock:    clock,
		deadline: clock.now.Add(d),
		period:   period,
		channel:  make(chan time.Time, 1),
	}
	clock.waiters = append(clock.waiters, waiter)
	return waiter
}

func (waiter *fakeWaiter) C() <-chan time.Time {
	return waiter.channel
}

func (waiter *fakeWaiter) Stop() {
	waiter.clock.mu.Lock()
	defer waiter.clock.mu.Unlock()
	waiter.stopped = true
}
