package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entitlement mirrors the entitlements table.
type Entitlement struct {
	EntitlementID string    `gorm:"primaryKey"`
	UserID        string    `gorm:"not null;index:idx_entitlements_user"`
	Status        string    `gorm:"not null;index:idx_entitlements_status_expires,priority:1"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_entitlements_status_expires,priority:2"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// AccessGrant mirrors the access_grants table. A grant is live while RevokedAt is null.
type AccessGrant struct {
	GrantID       string     `gorm:"type:uuid;primaryKey"`
	EntitlementID string     `gorm:"not null;index:uniq_grant_entitlement_resource,unique,priority:1"`
	Resource      string     `gorm:"not null;index:uniq_grant_entitlement_resource,unique,priority:2"`
	RevokedAt     *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
}

func (AccessGrant) TableName() string { return "access_grants" }

func (grant *AccessGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// SweepRun mirrors the sweep_runs table.
type SweepRun struct {
	RunID          string         `gorm:"type:uuid;primaryKey"`
	StartedAt      time.Time      `gorm:"not null;index:idx_sweep_runs_started"`
	FinishedAt     time.Time      `gorm:"not null"`
	Scanned        int            `gorm:"not null"`
	MarkedExpiring int            `gorm:"not null"`
	Expired        int            `gorm:"not null"`
	AlreadyExpired int            `gorm:"not null"`
	Failed         int            `gorm:"not null"`
	Summary        datatypes.JSON `gorm:"not null"`
}

func (SweepRun) TableName() string { return "sweep_runs" }

func (run *SweepRun) BeforeCreate(tx *gorm.DB) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	return nil
}

// Models lists every table owned by the store, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&Entitlement{}, &AccessGrant{}, &SweepRun{}}
}
