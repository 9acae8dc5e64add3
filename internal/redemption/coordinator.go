// Package redemption spends wallet balance optimistically and settles it against the authority.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	// DefaultConfirmationTimeout bounds a single redemption round trip, retries included.
	DefaultConfirmationTimeout = 10 * time.Second
	// DefaultRetention is how long completed results are replayed for a reused key.
	DefaultRetention = 24 * time.Hour

	defaultSubmitInitialBackoff = 200 * time.Millisecond
	defaultSubmitMaxBackoff     = 2 * time.Second
	// deltaGrace keeps the optimistic debit alive past the submit deadline so an in-flight
	// answer normally finds it.
	deltaGrace = 2 * time.Second

	rollbackReasonRejected = "redemption rejected"
	rollbackReasonTimeout  = "redemption timed out"
	rollbackReasonCanceled = "redemption cancelled"
)

// Wallet is the single-writer handle the coordinator mutates a user's engine through.
type Wallet interface {
	Do(ctx context.Context, fn func(engine *wallet.Engine) error) error
	RequestRefresh()
}

// WalletLookup resolves the handle for a user.
type WalletLookup func(userID wallet.UserID) (Wallet, error)

// Config tunes the coordinator.
type Config struct {
	ConfirmationTimeout  time.Duration
	Retention            time.Duration
	SubmitInitialBackoff time.Duration
	SubmitMaxBackoff     time.Duration
}

func (config Config) withDefaults() Config {
	if config.ConfirmationTimeout <= 0 {
		config.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.SubmitInitialBackoff <= 0 {
		config.SubmitInitialBackoff = defaultSubmitInitialBackoff
	}
	if config.SubmitMaxBackoff <= 0 {
		config.SubmitMaxBackoff = defaultSubmitMaxBackoff
	}
	return config
}

// Request describes a spend.
type Request struct {
	UserID         wallet.UserID
	Cost           wallet.PositiveAmount
	IdempotencyKey wallet.IdempotencyKey
	ItemRef        string
	Description    string
}

// Result reports a settled redemption.
type Result struct {
	NewBalance  wallet.Amount
	Transaction wallet.Transaction
	// Duplicate is set when the result replays an earlier redemption with the same key.
	Duplicate bool
	// Pending is set when the authority acknowledged the key without a body; the delta stays
	// pending until the next refresh confirms it.
	Pending     bool
	Discrepancy *wallet.Notice
}

type completedRedemption struct {
	result      Result
	completedAt time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(coordinator *Coordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// WithClock overrides the retention clock.
func WithClock(now func() time.Time) Option {
	return func(coordinator *Coordinator) {
		if now != nil {
			coordinator.nowFn = now
		}
	}
}

// Coordinator runs redemptions: optimistic debit, idempotent submit, then confirm or roll back.
type Coordinator struct {
	mu            sync.Mutex
	keysInFlight  map[string]struct{}
	itemsInFlight map[string]string
	completed     map[string]completedRedemption

	lookup WalletLookup
	client wallet.AuthoritativeLedgerClient
	config Config
	nowFn  func() time.Time
	logger *zap.Logger
}

// New wires a Coordinator.
func New(lookup WalletLookup, client wallet.AuthoritativeLedgerClient, config Config, options ...Option) (*Coordinator, error) {
	if lookup == nil {
		return nil, fmt.Errorf("%w: wallet lookup is nil", wallet.ErrInvalidServiceConfig)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: ledger client is nil", wallet.ErrInvalidServiceConfig)
	}
	coordinator := &Coordinator{
		keysInFlight:  make(map[string]struct{}),
		itemsInFlight: make(map[string]string),
		completed:     make(map[string]completedRedemption),
		lookup:        lookup,
		client:        client,
		config:        config.withDefaults(),
		nowFn:         time.Now,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// Redeem spends request.Cost exactly once per idempotency key.
func (coordinator *Coordinator) Redeem(ctx context.Context, request Request) (Result, error) {
	if err := validateRequest(request); err != nil {
		return Result{}, err
	}
	keyScope := scopeOf(request.UserID, request.IdempotencyKey.String())
	itemScope := scopeOf(request.UserID, request.ItemRef)

	if replay, ok, err := coordinator.claim(request, keyScope, itemScope); err != nil || ok {
		return replay, err
	}
	defer coordinator.release(keyScope, itemScope, request.ItemRef)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	handle, err := coordinator.lookup(request.UserID)
	if err != nil {
		return Result{}, err
	}
	detached := context.WithoutCancel(ctx)
	eventID := request.IdempotencyKey.EventID()

	var replay *Result
	err = handle.Do(detached, func(engine *wallet.Engine) error {
		if !engine.IsPending(eventID) {
			if recorded, ok := engine.Recorded(eventID); ok {
				replay = &Result{NewBalance: engine.DisplayedBalance(), Transaction: recorded, Duplicate: true}
				return nil
			}
		}
		if engine.DisplayedBalance() < request.Cost.ToAmount() {
			return fmt.Errorf("%w: displayed %d, cost %d", wallet.ErrInsufficientBalance, engine.DisplayedBalance(), request.Cost.Int64())
		}
		_, err := engine.ApplyOptimisticDelta(wallet.OptimisticDeltaInput{
			EventID:     eventID,
			AmountDelta: request.Cost.Debit(),
			Source:      wallet.SourceRedemption,
			TTL:         coordinator.config.ConfirmationTimeout + deltaGrace,
			Description: request.Description,
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if replay != nil {
		coordinator.complete(keyScope, *replay)
		return *replay, nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, coordinator.config.ConfirmationTimeout)
	receipt, submitErr := coordinator.submit(submitCtx, wallet.RedeemRequest{
		UserID:         request.UserID,
		Cost:           request.Cost,
		IdempotencyKey: request.IdempotencyKey,
		ItemRef:        request.ItemRef,
	})
	timedOut := errors.Is(submitCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case submitErr == nil:
		result, err := coordinator.confirm(detached, handle, request, receipt)
		if err != nil {
			return Result{}, err
		}
		coordinator.complete(keyScope, result)
		return result, nil
	case errors.Is(submitErr, wallet.ErrDuplicateSubmission):
		handle.RequestRefresh()
		result := Result{Duplicate: true, Pending: true}
		_ = handle.Do(detached, func(engine *wallet.Engine) error {
			result.NewBalance = engine.DisplayedBalance()
			return nil
		})
		coordinator.complete(keyScope, result)
		return result, nil
	}

	var surfaced error
	reason := rollbackReasonRejected
	switch {
	case ctx.Err() != nil:
		reason = rollbackReasonCanceled
		surfaced = ctx.Err()
	case timedOut:
		reason = rollbackReasonTimeout
		surfaced = fmt.Errorf("%w: %w", wallet.ErrRedemptionTimeout, submitErr)
	default:
		surfaced = fmt.Errorf("%w: %w", wallet.ErrRedemptionRejected, submitErr)
	}
	coordinator.rollback(detached, handle, eventID, reason)
	coordinator.logger.Warn("redemption failed",
		zap.String("user_id", request.UserID.String()),
		zap.String("idempotency_key", request.IdempotencyKey.String()),
		zap.String("reason", reason),
		zap.Error(submitErr),
	)
	return Result{}, surfaced
}

func (coordinator *Coordinator) claim(request Request, keyScope string, itemScope string) (Result, bool, error) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()

	coordinator.pruneLocked(coordinator.nowFn())
	if done, ok := coordinator.completed[keyScope]; ok {
		replay := done.result
		replay.Duplicate = true
		return replay, true, nil
	}
	if _, ok := coordinator.keysInFlight[keyScope]; ok {
		return Result{}, false, fmt.Errorf("%w: key %s", wallet.ErrRedemptionInFlight, request.IdempotencyKey.String())
	}
	if request.ItemRef != "" {
		if _, ok := coordinator.itemsInFlight[itemScope]; ok {
			return Result{}, false, fmt.Errorf("%w: item %s", wallet.ErrRedemptionInFlight, request.ItemRef)
		}
		coordinator.itemsInFlight[itemScope] = request.IdempotencyKey.String()
	}
	coordinator.keysInFlight[keyScope] = struct{}{}
	return Result{}, false, nil
}

func (coordinator *Coordinator) release(keyScope string, itemScope string, itemRef string) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	delete(coordinator.keysInFlight, keyScope)
	if itemRef != "" {
		delete(coordinator.itemsInFlight, itemScope)
	}
}

func (coordinator *Coordinator) complete(keyScope string, result Result) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	coordinator.completed[keyScope] = completedRedemption{result: result, completedAt: coordinator.nowFn()}
}

func (coordinator *Coordinator) pruneLocked(now time.Time) {
	for scope, done := range coordinator.completed {
		if now.Sub(done.completedAt) >= coordinator.config.Retention {
			delete(coordinator.completed, scope)
		}
	}
}

func (coordinator *Coordinator) submit(ctx context.Context, request wallet.RedeemRequest) (wallet.RedeemReceipt, error) {
	var receipt wallet.RedeemReceipt
	operation := func() error {
		answer, err := coordinator.client.Redeem(ctx, request)
		if err != nil {
			if errors.Is(err, wallet.ErrNetwork) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		receipt = answer
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = coordinator.config.SubmitInitialBackoff
	policy.MaxInterval = coordinator.config.SubmitMaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return receipt, err
}

func (coordinator *Coordinator) confirm(ctx context.Context, handle Wallet, request Request, receipt wallet.RedeemReceipt) (Result, error) {
	result := Result{
		NewBalance:  receipt.NewBalance,
		Transaction: receipt.Transaction,
		Duplicate:   receipt.Duplicate,
	}
	late := false
	err := handle.Do(ctx, func(engine *wallet.Engine) error {
		notices, err := engine.ConfirmDelta(wallet.Confirmation{
			EventID:     request.IdempotencyKey.EventID(),
			NewBalance:  receipt.NewBalance,
			Transaction: receipt.Transaction,
			Expected:    request.Cost.Debit(),
			At:          receipt.Transaction.CreatedAt,
		})
		for index := range notices {
			switch notices[index].Kind {
			case wallet.NoticeLateConfirmation:
				late = true
			case wallet.NoticeAmountMismatch:
				if result.Discrepancy == nil {
					discrepancy := notices[index]
					result.Discrepancy = &discrepancy
				}
			}
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if late || (result.Discrepancy == nil && receipt.Duplicate) {
		handle.RequestRefresh()
	}
	return result, nil
}

func (coordinator *Coordinator) rollback(ctx context.Context, handle Wallet, eventID wallet.EventID, reason string) {
	err := handle.Do(ctx, func(engine *wallet.Engine) error {
		_, err := engine.RollbackDelta(eventID, reason)
		return err
	})
	if err != nil && !errors.Is(err, wallet.ErrUnknownDelta) {
		coordinator.logger.Error("redemption rollback failed", zap.String("event_id", eventID.String()), zap.Error(err))
	}
}

func validateRequest(request Request) error {
	if request.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", wallet.ErrInvalidUserID)
	}
	if request.Cost <= 0 {
		return fmt.Errorf("%w: must be greater than zero", wallet.ErrInvalidAmount)
	}
	if request.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", wallet.ErrInvalidIdempotencyKey)
	}
	return nil
}

func scopeOf(userID wallet.UserID, value string) string {
	return userID.String() + "\x00" + value
}
