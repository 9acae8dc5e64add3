package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/walletsync/internal/entitlement"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

// ErrDuplicateEntitlement is returned when an entitlement id already exists.
var ErrDuplicateEntitlement = errors.New("duplicate entitlement")

const (
	constraintEntitlementPrimary = "entitlements_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectEntitlement      = "entitlement"
	errorSubjectGrant            = "grant"
	errorSubjectRun              = "sweep_run"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeEncode              = "encode"
	errorCodeExpire              = "expire"
	errorCodeGet                 = "get"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMarkExpiring        = "mark_expiring"
	errorCodeRevoke              = "revoke"

	sqlInsertEntitlement = `
		insert into entitlements(entitlement_id, user_id, status, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5)
	`

	sqlInsertGrant = `
		insert into access_grants(entitlement_id, resource, created_at)
		values ($1, $2, $3)
		on conflict (entitlement_id, resource) do nothing
	`

	sqlListDue = `
		select entitlement_id, user_id, status, expires_at, updated_at
		from entitlements
		where status <> 'expired' and expires_at <= $1 and entitlement_id > $2
		order by entitlement_id
		limit $3
	`

	sqlListExpiring = `
		select entitlement_id, user_id, status, expires_at, updated_at
		from entitlements
		where status = 'active' and expires_at > $1 and expires_at <= $2 and entitlement_id > $3
		order by entitlement_id
		limit $4
	`

	sqlMarkExpiring = `
		update entitlements
		set status = 'expiring', updated_at = $2
		where entitlement_id = $1 and status = 'active'
	`

	sqlExpire = `
		update entitlements
		set status = 'expired', updated_at = $2
		where entitlement_id = $1 and status <> 'expired'
	`

	sqlEntitlementExists = `
		select exists(select 1 from entitlements where entitlement_id = $1)
	`

	sqlRevokeGrants = `
		update access_grants
		set revoked_at = $2
		where entitlement_id = $1 and revoked_at is null
	`

	sqlInsertRun = `
		insert into sweep_runs(run_id, started_at, finished_at, scanned, marked_expiring, expired, already_expired, failed, summary)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements entitlement.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a transaction and commits when it returns nil.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// CreateEntitlement inserts an entitlement and its access grants atomically.
func (store *Store) CreateEntitlement(ctx context.Context, record entitlement.Entitlement, resources ...string) error {
	now := record.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sqlInsertEntitlement, record.ID, record.UserID.String(), record.Status.String(), record.ExpiresAt.UTC(), now)
		if isEntitlementConflict(err) {
			return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, ErrDuplicateEntitlement)
		}
		if err != nil {
			return wrapStoreError(errorSubjectEntitlement, errorCodeCreate, err)
		}
		for _, resource := range resources {
			if _, err := tx.Exec(ctx, sqlInsertGrant, record.ID, resource, now); err != nil {
				return wrapStoreError(errorSubjectGrant, errorCodeCreate, err)
			}
		}
		return nil
	})
}

// ListDue implements entitlement.Store.
func (store *Store) ListDue(ctx context.Context, now time.Time, afterID string, limit int) (entitlement.Batch, error) {
	return listEntitlements(ctx, store.pool, sqlListDue, now.UTC(), afterID, limit)
}

// ListExpiring implements entitlement.Store.
func (store *Store) ListExpiring(ctx context.Context, now time.Time, horizon time.Time, afterID string, limit int) (entitlement.Batch, error) {
	return listEntitlements(ctx, store.pool, sqlListExpiring, now.UTC(), horizon.UTC(), afterID, limit)
}

// MarkExpiring implements entitlement.Store.
func (store *Store) MarkExpiring(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := store.pool.Exec(ctx, sqlMarkExpiring, id, at.UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectEntitlement, errorCodeMarkExpiring, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Expire implements entitlement.Store.
func (store *Store) Expire(ctx context.Context, id string, at time.Time) (bool, error) {
	changed := false
	err := store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		changed, err = expireWithin(ctx, tx, id, at.UTC())
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// RecordRun implements entitlement.Store.
func (store *Store) RecordRun(ctx context.Context, report entitlement.RunReport) error {
	summary, err := json.Marshal(report)
	if err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeEncode, err)
	}
	_, err = store.pool.Exec(ctx, sqlInsertRun,
		report.RunID,
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
		report.Scanned,
		report.MarkedExpiring,
		report.Expired,
		report.AlreadyExpired,
		report.Failed(),
		string(summary),
	)
	if err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeCreate, err)
	}
	return nil
}

func expireWithin(ctx context.Context, db querier, id string, at time.Time) (bool, error) {
	tag, err := db.Exec(ctx, sqlExpire, id, at)
	if err != nil {
		return false, wrapStoreError(errorSubjectEntitlement, errorCodeExpire, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx, sqlEntitlementExists, id).Scan(&exists); err != nil {
			return false, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
		}
		if !exists {
			return false, wrapStoreError(errorSubjectEntitlement, errorCodeGet, entitlement.ErrUnknownEntitlement)
		}
		return false, nil
	}
	if _, err := db.Exec(ctx, sqlRevokeGrants, id, at); err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeRevoke, err)
	}
	return true, nil
}

func listEntitlements(ctx context.Context, db querier, query string, args ...any) (entitlement.Batch, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return entitlement.Batch{}, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	defer rows.Close()
	batch, err := scanEntitlements(rows)
	if err != nil {
		return entitlement.Batch{}, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	return batch, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntitlements(rows rowScanner) (entitlement.Batch, error) {
	var batch entitlement.Batch
	for rows.Next() {
		var (
			idValue     string
			userValue   string
			statusValue string
			expiresAt   time.Time
			updatedAt   time.Time
		)
		if err := rows.Scan(&idValue, &userValue, &statusValue, &expiresAt, &updatedAt); err != nil {
			return entitlement.Batch{}, err
		}
		record, err := decodeEntitlement(idValue, userValue, statusValue, expiresAt, updatedAt)
		if err != nil {
			err = wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
		}
		batch.Append(idValue, record, err)
	}
	if err := rows.Err(); err != nil {
		return entitlement.Batch{}, err
	}
	return batch, nil
}

func decodeEntitlement(id string, user string, status string, expiresAt time.Time, updatedAt time.Time) (entitlement.Entitlement, error) {
	userID, err := wallet.NewUserID(user)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	parsed, err := entitlement.ParseStatus(status)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	return entitlement.NewEntitlement(id, userID, expiresAt, parsed, updatedAt)
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isEntitlementConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntitlementPrimary
	}
	return false
}

var _ entitlement.Store = (*Store)(nil)
