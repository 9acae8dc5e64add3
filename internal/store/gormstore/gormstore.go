package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/walletsync/internal/entitlement"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

var (
	// ErrDuplicateEntitlement is returned when an entitlement id already exists.
	ErrDuplicateEntitlement = errors.New("duplicate entitlement")
	// ErrDuplicateGrant is returned when a resource is already granted for the entitlement.
	ErrDuplicateGrant = errors.New("duplicate access grant")
)

const (
	constraintEntitlementPrimary = "entitlements_pkey"
	constraintGrantResource      = "uniq_grant_entitlement_resource"
	defaultSummaryJSON           = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectEntitlement      = "entitlement"
	errorSubjectGrant            = "grant"
	errorSubjectRun              = "sweep_run"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeEncode              = "encode"
	errorCodeExpire              = "expire"
	errorCodeGet                 = "get"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeMarkExpiring        = "mark_expiring"
	errorCodeMigrate             = "migrate"
	errorCodeRevoke              = "revoke"
)

// Store implements entitlement.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the store's tables.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// CreateEntitlement inserts a new entitlement together with its access grants.
func (store *Store) CreateEntitlement(ctx context.Context, record entitlement.Entitlement, resources ...string) error {
	now := record.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return store.WithTx(ctx, func(ctx context.Context, txStore *Store) error {
		model := Entitlement{
			EntitlementID: record.ID,
			UserID:        record.UserID.String(),
			Status:        record.Status.String(),
			ExpiresAt:     record.ExpiresAt.UTC(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err := txStore.db.WithContext(ctx).Create(&model).Error
		if isEntitlementConflict(err) {
			return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, ErrDuplicateEntitlement)
		}
		if err != nil {
			return wrapStoreError(errorSubjectEntitlement, errorCodeCreate, err)
		}
		for _, resource := range resources {
			if err := txStore.GrantAccess(ctx, record.ID, resource, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GrantAccess records a live grant of resource under the entitlement.
func (store *Store) GrantAccess(ctx context.Context, entitlementID string, resource string, at time.Time) error {
	grant := AccessGrant{EntitlementID: entitlementID, Resource: resource, CreatedAt: at.UTC()}
	err := store.db.WithContext(ctx).Create(&grant).Error
	if isGrantConflict(err) {
		return wrapStoreError(errorSubjectGrant, errorCodeDuplicate, ErrDuplicateGrant)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeCreate, err)
	}
	return nil
}

// GetEntitlement loads one entitlement.
func (store *Store) GetEntitlement(ctx context.Context, id string) (entitlement.Entitlement, error) {
	var model Entitlement
	err := store.db.WithContext(ctx).Where("entitlement_id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, entitlement.ErrUnknownEntitlement)
		}
		return entitlement.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	record, err := mapEntitlement(model)
	if err != nil {
		return entitlement.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	return record, nil
}

// ActiveGrants lists the resources still granted under the entitlement.
func (store *Store) ActiveGrants(ctx context.Context, entitlementID string) ([]string, error) {
	var resources []string
	err := store.db.WithContext(ctx).
		Model(&AccessGrant{}).
		Where("entitlement_id = ? AND revoked_at IS NULL", entitlementID).
		Order("resource ASC").
		Pluck("resource", &resources).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return resources, nil
}

// ListDue implements entitlement.Store.
func (store *Store) ListDue(ctx context.Context, now time.Time, afterID string, limit int) (entitlement.Batch, error) {
	var rows []Entitlement
	err := store.db.WithContext(ctx).
		Where("status <> ? AND expires_at <= ? AND entitlement_id > ?", entitlement.StatusExpired.String(), now.UTC(), afterID).
		Order("entitlement_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return entitlement.Batch{}, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	return mapEntitlements(rows), nil
}

// ListExpiring implements entitlement.Store.
func (store *Store) ListExpiring(ctx context.Context, now time.Time, horizon time.Time, afterID string, limit int) (entitlement.Batch, error) {
	var rows []Entitlement
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at > ? AND expires_at <= ? AND entitlement_id > ?", entitlement.StatusActive.String(), now.UTC(), horizon.UTC(), afterID).
		Order("entitlement_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return entitlement.Batch{}, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	return mapEntitlements(rows), nil
}

// MarkExpiring implements entitlement.Store.
func (store *Store) MarkExpiring(ctx context.Context, id string, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Entitlement{}).
		Where("entitlement_id = ? AND status = ?", id, entitlement.StatusActive.String()).
		Updates(map[string]interface{}{"status": entitlement.StatusExpiring.String(), "updated_at": at.UTC()})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectEntitlement, errorCodeMarkExpiring, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Expire implements entitlement.Store. The status flip and grant revocation commit together.
func (store *Store) Expire(ctx context.Context, id string, at time.Time) (bool, error) {
	changed := false
	err := store.WithTx(ctx, func(ctx context.Context, txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Entitlement{}).
			Where("entitlement_id = ? AND status <> ?", id, entitlement.StatusExpired.String()).
			Updates(map[string]interface{}{"status": entitlement.StatusExpired.String(), "updated_at": at.UTC()})
		if result.Error != nil {
			return wrapStoreError(errorSubjectEntitlement, errorCodeExpire, result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := txStore.db.WithContext(ctx).Model(&Entitlement{}).Where("entitlement_id = ?", id).Count(&count).Error; err != nil {
				return wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
			}
			if count == 0 {
				return wrapStoreError(errorSubjectEntitlement, errorCodeGet, entitlement.ErrUnknownEntitlement)
			}
			return nil
		}
		changed = true
		revokedAt := at.UTC()
		err := txStore.db.WithContext(ctx).
			Model(&AccessGrant{}).
			Where("entitlement_id = ? AND revoked_at IS NULL", id).
			Update("revoked_at", &revokedAt).Error
		if err != nil {
			return wrapStoreError(errorSubjectGrant, errorCodeRevoke, err)
		}
		return nil
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
	model := SweepRun{
		RunID:          report.RunID,
		StartedAt:      report.StartedAt.UTC(),
		FinishedAt:     report.FinishedAt.UTC(),
		Scanned:        report.Scanned,
		MarkedExpiring: report.MarkedExpiring,
		Expired:        report.Expired,
		AlreadyExpired: report.AlreadyExpired,
		Failed:         report.Failed(),
		Summary:        datatypesJSON(string(summary)),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeCreate, err)
	}
	return nil
}

// ListRuns returns the most recent sweep runs, newest first.
func (store *Store) ListRuns(ctx context.Context, limit int) ([]entitlement.RunReport, error) {
	var rows []SweepRun
	err := store.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRun, errorCodeList, err)
	}
	reports := make([]entitlement.RunReport, 0, len(rows))
	for _, row := range rows {
		var report entitlement.RunReport
		if err := json.Unmarshal(row.Summary, &report); err != nil {
			return nil, wrapStoreError(errorSubjectRun, errorCodeInvalid, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func mapEntitlements(rows []Entitlement) entitlement.Batch {
	var batch entitlement.Batch
	for _, row := range rows {
		record, err := mapEntitlement(row)
		if err != nil {
			err = wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
		}
		batch.Append(row.EntitlementID, record, err)
	}
	return batch
}

func mapEntitlement(row Entitlement) (entitlement.Entitlement, error) {
	userID, err := wallet.NewUserID(row.UserID)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	status, err := entitlement.ParseStatus(row.Status)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	return entitlement.NewEntitlement(row.EntitlementID, userID, row.ExpiresAt, status, row.UpdatedAt)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultSummaryJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isEntitlementConflict(err error) bool {
	return isUniqueViolation(err, constraintEntitlementPrimary)
}

func isGrantConflict(err error) bool {
	return isUniqueViolation(err, constraintGrantResource)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

var _ entitlement.Store = (*Store)(nil)
