// Package reconciler runs one single-writer loop per user around a wallet.Engine.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/internal/signalbus"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	defaultTickInterval          = time.Second
	defaultRefreshInterval       = 30 * time.Second
	defaultRefreshInitialBackoff = 500 * time.Millisecond
	defaultRefreshMaxBackoff     = 30 * time.Second
	defaultRefreshMaxElapsed     = 2 * time.Minute
)

// Config tunes an actor's timers.
type Config struct {
	DeltaTTL              time.Duration
	TickInterval          time.Duration
	RefreshInterval       time.Duration
	RefreshInitialBackoff time.Duration
	RefreshMaxBackoff     time.Duration
	RefreshMaxElapsed     time.Duration
}

func (config Config) withDefaults() Config {
	if config.DeltaTTL <= 0 {
		config.DeltaTTL = wallet.DefaultDeltaTTL
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaultRefreshInterval
	}
	if config.RefreshInitialBackoff <= 0 {
		config.RefreshInitialBackoff = defaultRefreshInitialBackoff
	}
	if config.RefreshMaxBackoff <= 0 {
		config.RefreshMaxBackoff = defaultRefreshMaxBackoff
	}
	if config.RefreshMaxElapsed <= 0 {
		config.RefreshMaxElapsed = defaultRefreshMaxElapsed
	}
	return config
}

func (config Config) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.RefreshInitialBackoff
	policy.MaxInterval = config.RefreshMaxBackoff
	policy.MaxElapsedTime = config.RefreshMaxElapsed
	policy.Reset()
	return policy
}

type command struct {
	run   func(engine *wallet.Engine) error
	reply chan error
}

// Actor owns a user's Engine. Every mutation runs on the goroutine executing Run.
type Actor struct {
	userID   wallet.UserID
	engine   *wallet.Engine
	queue    *signalbus.Queue
	client   wallet.AuthoritativeLedgerClient
	submit   func(wallet.Signal) bool
	config   Config
	nowFn    func() time.Time
	logger   *zap.Logger
	commands chan command
	refresh  chan struct{}
	done     chan struct{}

	refreshing sync.WaitGroup
	inFlight   atomic.Bool
	rerun      atomic.Bool
}

func newActor(userID wallet.UserID, engine *wallet.Engine, queue *signalbus.Queue, client wallet.AuthoritativeLedgerClient, submit func(wallet.Signal) bool, config Config, now func() time.Time, logger *zap.Logger) *Actor {
	return &Actor{
		userID:   userID,
		engine:   engine,
		queue:    queue,
		client:   client,
		submit:   submit,
		config:   config,
		nowFn:    now,
		logger:   logger.With(zap.String("user_id", userID.String())),
		commands: make(chan command),
		refresh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// UserID returns the wallet owner.
func (actor *Actor) UserID() wallet.UserID {
	return actor.userID
}

// Config returns the effective timer configuration.
func (actor *Actor) Config() Config {
	return actor.config
}

// Done is closed once Run returns.
func (actor *Actor) Done() <-chan struct{} {
	return actor.done
}

// Run processes signals, commands and timers until ctx is cancelled or the queue is closed.
func (actor *Actor) Run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		actor.refreshing.Wait()
		close(actor.done)
	}()

	expiryTicker := time.NewTicker(actor.config.TickInterval)
	defer expiryTicker.Stop()
	refreshTicker := time.NewTicker(actor.config.RefreshInterval)
	defer refreshTicker.Stop()

	actor.startRefresh(loopCtx)
	for {
		select {
		case <-loopCtx.Done():
			return
		case _, open := <-actor.queue.Wait():
			actor.drain(loopCtx)
			if !open {
				return
			}
		case cmd := <-actor.commands:
			cmd.reply <- cmd.run(actor.engine)
		case <-expiryTicker.C:
			actor.engine.ExpireStalePendingDeltas(actor.nowFn())
		case <-refreshTicker.C:
			actor.startRefresh(loopCtx)
		case <-actor.refresh:
			actor.startRefresh(loopCtx)
		}
	}
}

// Do runs fn against the engine on the actor goroutine and waits for its result.
func (actor *Actor) Do(ctx context.Context, fn func(engine *wallet.Engine) error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}
	select {
	case actor.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-actor.done:
		return wallet.ErrEngineClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-actor.done:
		return wallet.ErrEngineClosed
	}
}

// View returns the converged state.
func (actor *Actor) View(ctx context.Context) (wallet.View, error) {
	var view wallet.View
	err := actor.Do(ctx, func(engine *wallet.Engine) error {
		view = engine.View()
		return nil
	})
	return view, err
}

// RequestRefresh schedules an authoritative fetch. Requests coalesce while one is in flight.
func (actor *Actor) RequestRefresh() {
	select {
	case actor.refresh <- struct{}{}:
	default:
	}
}

func (actor *Actor) drain(ctx context.Context) {
	for {
		signal, ok := actor.queue.TryNext()
		if !ok {
			return
		}
		actor.handleSignal(ctx, signal)
	}
}

func (actor *Actor) handleSignal(ctx context.Context, signal wallet.Signal) {
	switch signal.Kind {
	case wallet.SignalPoll:
		if _, err := actor.engine.ApplyAuthoritativeSnapshot(*signal.Snapshot); err != nil {
			actor.logSignalError(signal, err)
		}
	case wallet.SignalPush:
		switch signal.PushKind {
		case wallet.PushEarned, wallet.PushSpent:
			actor.applyDelta(ctx, signal, wallet.SourcePush)
		case wallet.PushBalanceChanged:
			actor.startRefresh(ctx)
		default:
			actor.logger.Debug("push ignored", zap.String("push_kind", string(signal.PushKind)), zap.String("event_id", signal.EventID.String()))
		}
	case wallet.SignalLocal:
		actor.applyDelta(ctx, signal, wallet.SourceLocal)
	}
}

func (actor *Actor) applyDelta(ctx context.Context, signal wallet.Signal, source wallet.Source) {
	_, err := actor.engine.ApplyOptimisticDelta(wallet.OptimisticDeltaInput{
		EventID:     signal.EventID,
		AmountDelta: signal.AmountDelta,
		Source:      source,
		TTL:         actor.config.DeltaTTL,
		Timestamp:   signal.Timestamp,
		Sequence:    signal.Sequence,
	})
	if err == nil {
		return
	}
	actor.logSignalError(signal, err)
	if source == wallet.SourcePush && errors.Is(err, wallet.ErrInsufficientBalance) {
		actor.startRefresh(ctx)
	}
}

func (actor *Actor) logSignalError(signal wallet.Signal, err error) {
	fields := []zap.Field{
		zap.String("kind", string(signal.Kind)),
		zap.String("event_id", signal.EventID.String()),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, wallet.ErrDuplicateEvent), errors.Is(err, wallet.ErrStaleSignal), errors.Is(err, wallet.ErrStaleSnapshot):
		actor.logger.Debug("signal superseded", fields...)
	default:
		actor.logger.Warn("signal rejected", fields...)
	}
}

func (actor *Actor) startRefresh(ctx context.Context) {
	if actor.client == nil {
		return
	}
	if !actor.inFlight.CompareAndSwap(false, true) {
		actor.rerun.Store(true)
		return
	}
	actor.refreshing.Add(1)
	go func() {
		defer actor.refreshing.Done()
		defer func() {
			actor.inFlight.Store(false)
			if actor.rerun.Swap(false) {
				actor.RequestRefresh()
			}
		}()

		snapshot, err := actor.fetchSnapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				actor.logger.Warn("refresh failed", zap.Error(err))
			}
			return
		}
		signal, err := wallet.NewPollSignal(actor.userID, snapshot)
		if err != nil {
			actor.logger.Warn("refresh returned an invalid snapshot", zap.Error(err))
			return
		}
		if !actor.submit(signal) {
			actor.logger.Debug("refresh result dropped")
		}
	}()
}

func (actor *Actor) fetchSnapshot(ctx context.Context) (wallet.Snapshot, error) {
	var snapshot wallet.Snapshot
	// Rows are read before the balance. A spend landing between the two calls is then counted
	// in the balance while its pending delta stays open, so the display errs low until the
	// confirmation or the next refresh instead of briefly refunding the cost.
	operation := func() error {
		page, err := actor.client.ListTransactions(ctx, actor.userID, wallet.PageQuery{PageSize: wallet.MaxPageSize, Page: 1})
		if err != nil {
			return retryable(err)
		}
		balance, err := actor.client.FetchBalance(ctx, actor.userID)
		if err != nil {
			return retryable(err)
		}
		asOf := balance.AsOf
		if asOf.IsZero() {
			asOf = actor.nowFn()
		}
		snapshot = wallet.Snapshot{Balance: balance.Amount, Transactions: page.Items, AsOf: asOf}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		actor.logger.Debug("refresh retry scheduled", zap.Duration("wait", wait), zap.Error(err))
		actor.markStale(ctx, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(actor.config.newBackOff(), ctx), notify); err != nil {
		actor.markStale(ctx, err)
		return wallet.Snapshot{}, fmt.Errorf("refresh %s: %w", actor.userID.String(), err)
	}
	return snapshot, nil
}

func (actor *Actor) markStale(ctx context.Context, cause error) {
	_ = actor.Do(ctx, func(engine *wallet.Engine) error {
		engine.MarkStale(cause)
		return nil
	})
}

func retryable(err error) error {
	if errors.Is(err, wallet.ErrNetwork) {
		return err
	}
	return backoff.Permanent(err)
}
