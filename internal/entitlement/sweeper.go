package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	// DefaultBatchSize bounds a single listing query.
	DefaultBatchSize = 100
	// DefaultExpiringWindow is how far ahead active records are flagged as expiring.
	DefaultExpiringWindow = 72 * time.Hour

	phaseMarkExpiring = "mark_expiring"
	phaseExpire       = "expire"
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) SweeperOption {
	return func(sweeper *Sweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// WithClock overrides the sweep time source.
func WithClock(now func() time.Time) SweeperOption {
	return func(sweeper *Sweeper) {
		if now != nil {
			sweeper.nowFn = now
		}
	}
}

// WithBatchSize overrides the listing page size.
func WithBatchSize(size int) SweeperOption {
	return func(sweeper *Sweeper) {
		if size > 0 {
			sweeper.batchSize = size
		}
	}
}

// WithExpiringWindow overrides the expiring look-ahead. Zero disables the expiring phase;
// negative values keep the default.
func WithExpiringWindow(window time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if window >= 0 {
			sweeper.expiringWindow = window
		}
	}
}

// Sweeper expires due entitlements. It is idempotent: re-running it over the same data changes nothing.
type Sweeper struct {
	store          Store
	nowFn          func() time.Time
	logger         *zap.Logger
	batchSize      int
	expiringWindow time.Duration
}

// NewSweeper wires a Sweeper.
func NewSweeper(store Store, options ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: entitlement store is nil", wallet.ErrInvalidServiceConfig)
	}
	sweeper := &Sweeper{
		store:          store,
		nowFn:          time.Now,
		logger:         zap.NewNop(),
		batchSize:      DefaultBatchSize,
		expiringWindow: DefaultExpiringWindow,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// Sweep runs both phases once. Per-record failures are collected in the report and do not stop the batch;
// an error is returned only when a listing query fails.
func (sweeper *Sweeper) Sweep(ctx context.Context) (RunReport, error) {
	now := sweeper.nowFn().UTC()
	report := RunReport{RunID: uuid.NewString(), StartedAt: now}
	logger := sweeper.logger.With(zap.String("run_id", report.RunID))

	err := sweeper.markExpiring(ctx, now, &report, logger)
	if err == nil {
		err = sweeper.expireDue(ctx, now, &report, logger)
	}
	report.FinishedAt = sweeper.nowFn().UTC()

	if recordErr := sweeper.store.RecordRun(context.WithoutCancel(ctx), report); recordErr != nil {
		logger.Warn("sweep run not recorded", zap.Error(recordErr))
	}
	fields := []zap.Field{
		zap.Int("scanned", report.Scanned),
		zap.Int("marked_expiring", report.MarkedExpiring),
		zap.Int("expired", report.Expired),
		zap.Int("already_expired", report.AlreadyExpired),
		zap.Int("failed", report.Failed()),
	}
	if err != nil {
		logger.Error("entitlement sweep aborted", append(fields, zap.Error(err))...)
		return report, err
	}
	logger.Info("entitlement sweep finished", fields...)
	return report, nil
}

func (sweeper *Sweeper) markExpiring(ctx context.Context, now time.Time, report *RunReport, logger *zap.Logger) error {
	if sweeper.expiringWindow == 0 {
		return nil
	}
	horizon := now.Add(sweeper.expiringWindow)
	afterID := ""
	for {
		batch, err := sweeper.store.ListExpiring(ctx, now, horizon, afterID, sweeper.batchSize)
		if err != nil {
			return fmt.Errorf("%w: list expiring: %w", ErrEntitlementSyncFailure, err)
		}
		sweeper.recordMalformed(report, logger, batch, phaseMarkExpiring)
		for _, record := range batch.Records {
			if err := ctx.Err(); err != nil {
				return err
			}
			changed, err := sweeper.store.MarkExpiring(ctx, record.ID, now)
			if err != nil {
				sweeper.recordFailure(report, logger, record, phaseMarkExpiring, err)
				continue
			}
			if changed {
				report.MarkedExpiring++
			}
		}
		if batch.Rows < sweeper.batchSize {
			return nil
		}
		afterID = batch.LastID
	}
}

func (sweeper *Sweeper) expireDue(ctx context.Context, now time.Time, report *RunReport, logger *zap.Logger) error {
	afterID := ""
	for {
		batch, err := sweeper.store.ListDue(ctx, now, afterID, sweeper.batchSize)
		if err != nil {
			return fmt.Errorf("%w: list due: %w", ErrEntitlementSyncFailure, err)
		}
		report.Scanned += len(batch.Malformed)
		sweeper.recordMalformed(report, logger, batch, phaseExpire)
		for _, record := range batch.Records {
			report.Scanned++
			if err := ctx.Err(); err != nil {
				return err
			}
			changed, err := sweeper.store.Expire(ctx, record.ID, now)
			if err != nil {
				sweeper.recordFailure(report, logger, record, phaseExpire, err)
				continue
			}
			if changed {
				report.Expired++
			} else {
				report.AlreadyExpired++
			}
		}
		if batch.Rows < sweeper.batchSize {
			return nil
		}
		afterID = batch.LastID
	}
}

func (sweeper *Sweeper) recordMalformed(report *RunReport, logger *zap.Logger, batch Batch, phase string) {
	for _, row := range batch.Malformed {
		sweeper.recordFailure(report, logger, Entitlement{ID: row.ID}, phase, row.Err)
	}
}

func (sweeper *Sweeper) recordFailure(report *RunReport, logger *zap.Logger, record Entitlement, phase string, err error) {
	wrapped := fmt.Errorf("%w: %s %s: %w", ErrEntitlementSyncFailure, phase, record.ID, err)
	report.Failures = append(report.Failures, Failure{EntitlementID: record.ID, Phase: phase, Error: err.Error()})
	logger.Warn("entitlement not processed",
		zap.String("entitlement_id", record.ID),
		zap.String("user_id", record.UserID.String()),
		zap.String("phase", phase),
		zap.Error(wrapped),
	)
}
