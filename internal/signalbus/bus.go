// Package signalbus fans normalized wallet signals into per-user ordered queues.
package signalbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	// DefaultDedupWindow is how long an (user, event) pair is remembered.
	DefaultDedupWindow = 10 * time.Minute

	pruneThreshold = 1024
)

type dedupKey struct {
	userID  string
	eventID string
}

// Option configures a Bus.
type Option func(*Bus)

// WithDedupWindow overrides the duplicate-detection retention.
func WithDedupWindow(window time.Duration) Option {
	return func(bus *Bus) {
		if window > 0 {
			bus.window = window
		}
	}
}

// WithClock overrides the time source used for dedup retention.
func WithClock(now func() time.Time) Option {
	return func(bus *Bus) {
		if now != nil {
			bus.nowFn = now
		}
	}
}

// WithLogger sets the logger used for dropped signals.
func WithLogger(logger *zap.Logger) Option {
	return func(bus *Bus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// Bus routes signals to per-user queues. Submit never blocks.
type Bus struct {
	mu        sync.Mutex
	queues    map[string]*Queue
	seen      map[dedupKey]time.Time
	lastPrune time.Time
	closed    bool

	sequence atomic.Uint64
	window   time.Duration
	nowFn    func() time.Time
	logger   *zap.Logger
}

// New constructs a Bus.
func New(options ...Option) *Bus {
	bus := &Bus{
		queues: make(map[string]*Queue),
		seen:   make(map[dedupKey]time.Time),
		window: DefaultDedupWindow,
		nowFn:  time.Now,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(bus)
		}
	}
	return bus
}

// Queue returns the user's queue, creating it on first use. It returns nil once the bus is closed.
func (bus *Bus) Queue(userID wallet.UserID) *Queue {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return nil
	}
	return bus.queueLocked(userID)
}

func (bus *Bus) queueLocked(userID wallet.UserID) *Queue {
	queue, ok := bus.queues[userID.String()]
	if !ok {
		queue = newQueue()
		bus.queues[userID.String()] = queue
	}
	return queue
}

// Submit validates, deduplicates, stamps and enqueues a signal. It reports whether the signal was accepted.
func (bus *Bus) Submit(signal wallet.Signal) bool {
	if err := signal.Validate(); err != nil {
		bus.logger.Warn("signal dropped", zap.String("kind", string(signal.Kind)), zap.String("user_id", signal.UserID.String()), zap.Error(err))
		return false
	}

	bus.mu.Lock()
	if bus.closed {
		bus.mu.Unlock()
		return false
	}
	now := bus.nowFn()
	bus.pruneLocked(now)
	if !signal.EventID.IsZero() {
		key := dedupKey{userID: signal.UserID.String(), eventID: signal.EventID.String()}
		if seenAt, duplicate := bus.seen[key]; duplicate && now.Sub(seenAt) < bus.window {
			bus.mu.Unlock()
			bus.logger.Debug("duplicate signal dropped", zap.String("user_id", key.userID), zap.String("event_id", key.eventID))
			return false
		}
		bus.seen[key] = now
	}
	queue := bus.queueLocked(signal.UserID)
	bus.mu.Unlock()

	signal.Sequence = bus.sequence.Add(1)
	return queue.push(signal)
}

func (bus *Bus) pruneLocked(now time.Time) {
	if len(bus.seen) < pruneThreshold && now.Sub(bus.lastPrune) < bus.window {
		return
	}
	for key, seenAt := range bus.seen {
		if now.Sub(seenAt) >= bus.window {
			delete(bus.seen, key)
		}
	}
	bus.lastPrune = now
}

// Close closes every queue. Later submits return false.
func (bus *Bus) Close() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return
	}
	bus.closed = true
	for _, queue := range bus.queues {
		queue.Close()
	}
}
