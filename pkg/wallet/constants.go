package wallet

import "time"

const (
	operationSnapshot = "snapshot"
	operationApply    = "apply_delta"
	operationExpire   = "expire_delta"
	operationRollback = "rollback_delta"
	operationConfirm  = "confirm_delta"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	recentNoticeLimit = 50
	maxLedgerEntries  = 1000

	// DefaultPageSize applies when callers pass a non-positive page size.
	DefaultPageSize = 20
	// MaxPageSize bounds a single page.
	MaxPageSize = 200

	// DefaultDeltaTTL bounds how long an unconfirmed delta stays visible.
	DefaultDeltaTTL = 2 * time.Minute
)
