// Package entitlement expires subscription entitlements and the access that depends on them.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

var (
	// ErrEntitlementSyncFailure marks a record or batch the sweep could not process. The next run retries it.
	ErrEntitlementSyncFailure  = errors.New("entitlement sync failure")
	ErrInvalidEntitlement      = errors.New("invalid entitlement")
	ErrInvalidStatus           = errors.New("invalid entitlement status")
	ErrInvalidStatusTransition = errors.New("invalid entitlement status transition")
	ErrUnknownEntitlement      = errors.New("unknown entitlement")
)

// Status is the entitlement lifecycle. It only moves forward.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
)

// ParseStatus validates a raw status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, nil
	case StatusExpiring:
		return StatusExpiring, nil
	case StatusExpired:
		return StatusExpired, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the raw status.
func (status Status) String() string {
	return string(status)
}

func (status Status) rank() int {
	switch status {
	case StatusActive:
		return 1
	case StatusExpiring:
		return 2
	case StatusExpired:
		return 3
	default:
		return 0
	}
}

// CanAdvanceTo reports whether next is a forward move.
func (status Status) CanAdvanceTo(next Status) bool {
	return status.rank() > 0 && next.rank() > status.rank()
}

// Entitlement is a time-bounded subscription grant.
type Entitlement struct {
	ID        string
	UserID    wallet.UserID
	ExpiresAt time.Time
	Status    Status
	UpdatedAt time.Time
}

// NewEntitlement validates an entitlement record.
func NewEntitlement(id string, userID wallet.UserID, expiresAt time.Time, status Status, updatedAt time.Time) (Entitlement, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return Entitlement{}, fmt.Errorf("%w: empty id", ErrInvalidEntitlement)
	}
	if userID.IsZero() {
		return Entitlement{}, fmt.Errorf("%w: empty user id", ErrInvalidEntitlement)
	}
	if expiresAt.IsZero() {
		return Entitlement{}, fmt.Errorf("%w: missing expiry", ErrInvalidEntitlement)
	}
	if _, err := ParseStatus(status.String()); err != nil {
		return Entitlement{}, err
	}
	return Entitlement{
		ID:        trimmedID,
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
		Status:    status,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

// Due reports whether the entitlement should be expired at now.
func (entitlement Entitlement) Due(now time.Time) bool {
	return entitlement.Status != StatusExpired && !entitlement.ExpiresAt.After(now)
}

// Failure records one entitlement the sweep could not process.
type Failure struct {
	EntitlementID string `json:"entitlement_id"`
	Phase         string `json:"phase"`
	Error         string `json:"error"`
}

// MalformedRow is a stored row that matched a listing but failed validation.
type MalformedRow struct {
	ID  string
	Err error
}

// Batch is one keyset page. LastID and Rows include malformed rows so a scan moves past them.
type Batch struct {
	Records   []Entitlement
	Malformed []MalformedRow
	LastID    string
	Rows      int
}

// Append adds a decoded record, or a malformed row when err is set.
func (batch *Batch) Append(id string, record Entitlement, err error) {
	batch.Rows++
	batch.LastID = id
	if err != nil {
		batch.Malformed = append(batch.Malformed, MalformedRow{ID: id, Err: err})
		return
	}
	batch.Records = append(batch.Records, record)
}

// RunReport summarizes one executed sweep.
type RunReport struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Scanned        int       `json:"scanned"`
	MarkedExpiring int       `json:"marked_expiring"`
	Expired        int       `json:"expired"`
	AlreadyExpired int       `json:"already_expired"`
	Failures       []Failure `json:"failures,omitempty"`
}

// Failed returns the number of records that could not be processed.
func (report RunReport) Failed() int {
	return len(report.Failures)
}

// Store persists entitlements. Transitions are conditional so repeated or concurrent sweeps are no-ops.
type Store interface {
	// ListDue returns non-expired records with ExpiresAt <= now and id > afterID, ordered by id.
	// Rows that fail validation are reported in Batch.Malformed instead of failing the call.
	ListDue(ctx context.Context, now time.Time, afterID string, limit int) (Batch, error)
	// ListExpiring returns active records with now < ExpiresAt <= horizon and id > afterID, ordered by id.
	ListExpiring(ctx context.Context, now time.Time, horizon time.Time, afterID string, limit int) (Batch, error)
	// MarkExpiring moves an active record to expiring. It reports false when the record was no longer active.
	MarkExpiring(ctx context.Context, id string, at time.Time) (bool, error)
	// Expire moves a record to expired and revokes its access grants atomically. It reports false when
	// the record was already expired.
	Expire(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordRun stores the run summary.
	RecordRun(ctx context.Context, report RunReport) error
}
