package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/internal/signalbus"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

// NoticeSink receives adjustment notices from every actor. Implementations must be safe for concurrent use.
type NoticeSink interface {
	Notify(notice wallet.Notice)
}

// NoticeSinkFunc adapts a function to NoticeSink.
type NoticeSinkFunc func(notice wallet.Notice)

// Notify calls the function.
func (sink NoticeSinkFunc) Notify(notice wallet.Notice) {
	sink(notice)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(registry *Registry) {
		if logger != nil {
			registry.logger = logger
		}
	}
}

// WithOperationLogger forwards engine operations to the given logger.
func WithOperationLogger(operationLogger wallet.OperationLogger) Option {
	return func(registry *Registry) {
		registry.operationLogger = operationLogger
	}
}

// WithNoticeSink overrides where adjustment notices are published.
func WithNoticeSink(sink NoticeSink) Option {
	return func(registry *Registry) {
		if sink != nil {
			registry.sink = sink
		}
	}
}

// WithClock overrides the engine time source.
func WithClock(now func() time.Time) Option {
	return func(registry *Registry) {
		if now != nil {
			registry.nowFn = now
		}
	}
}

// Registry lazily starts one Actor per user and routes signals to it.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bus             *signalbus.Bus
	client          wallet.AuthoritativeLedgerClient
	config          Config
	nowFn           func() time.Time
	logger          *zap.Logger
	operationLogger wallet.OperationLogger
	sink            NoticeSink
}

// NewRegistry wires a Registry. Actors live until ctx is cancelled or Close is called.
func NewRegistry(ctx context.Context, bus *signalbus.Bus, client wallet.AuthoritativeLedgerClient, config Config, options ...Option) (*Registry, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: signal bus is nil", wallet.ErrInvalidServiceConfig)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: ledger client is nil", wallet.ErrInvalidServiceConfig)
	}
	registryCtx, cancel := context.WithCancel(ctx)
	registry := &Registry{
		actors: make(map[string]*Actor),
		ctx:    registryCtx,
		cancel: cancel,
		bus:    bus,
		client: client,
		config: config.withDefaults(),
		nowFn:  time.Now,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	if registry.sink == nil {
		registry.sink = logNoticeSink(registry.logger)
	}
	return registry, nil
}

// Actor returns the user's actor, starting it on first use.
func (registry *Registry) Actor(userID wallet.UserID) (*Actor, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", wallet.ErrInvalidUserID)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.closed {
		return nil, wallet.ErrEngineClosed
	}
	if actor, ok := registry.actors[userID.String()]; ok {
		return actor, nil
	}
	queue := registry.bus.Queue(userID)
	if queue == nil {
		return nil, wallet.ErrEngineClosed
	}
	engineOptions := []wallet.EngineOption{wallet.WithNoticeHook(registry.sink.Notify)}
	if registry.operationLogger != nil {
		engineOptions = append(engineOptions, wallet.WithOperationLogger(registry.operationLogger))
	}
	engine, err := wallet.NewEngine(userID, registry.nowFn, engineOptions...)
	if err != nil {
		return nil, err
	}
	actor := newActor(userID, engine, queue, registry.client, registry.bus.Submit, registry.config, registry.nowFn, registry.logger)
	registry.actors[userID.String()] = actor
	registry.wg.Add(1)
	go func() {
		defer registry.wg.Done()
		actor.Run(registry.ctx)
	}()
	return actor, nil
}

// Submit makes sure the user's actor is running and hands the signal to the bus.
func (registry *Registry) Submit(signal wallet.Signal) bool {
	if _, err := registry.Actor(signal.UserID); err != nil {
		registry.logger.Debug("signal dropped", zap.String("user_id", signal.UserID.String()), zap.Error(err))
		return false
	}
	return registry.bus.Submit(signal)
}

// Close stops every actor and waits for them to exit.
func (registry *Registry) Close() {
	registry.mu.Lock()
	registry.closed = true
	registry.mu.Unlock()
	registry.cancel()
	registry.wg.Wait()
}

func logNoticeSink(logger *zap.Logger) NoticeSink {
	return NoticeSinkFunc(func(notice wallet.Notice) {
		logger.Info("balance adjusted",
			zap.String("user_id", notice.UserID.String()),
			zap.String("notice", string(notice.Kind)),
			zap.String("event_id", notice.EventID.String()),
			zap.Int64("amount_delta", notice.AmountDelta.Int64()),
			zap.Int64("displayed_before", notice.DisplayedBefore.Int64()),
			zap.Int64("displayed_after", notice.DisplayedAfter.Int64()),
			zap.String("reason", notice.Reason),
		)
	})
}
