// Package walletd wires the reconciliation core, stores, feeds and HTTP surface into one process.
package walletd

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/walletsync/internal/entitlement"
	"github.com/MarkoPoloResearchLab/walletsync/internal/scheduler"
	"github.com/MarkoPoloResearchLab/walletsync/internal/walletapi"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	defaultLedgerAddr    = "localhost:7000"
	defaultLedgerTimeout = 5 * time.Second
	defaultDatabaseURL   = "sqlite:///tmp/walletsync.db"
	defaultDedupWindow   = 10 * time.Minute

	// StoreDriverPGX uses pgx directly against migrated postgres tables.
	StoreDriverPGX = "pgx"
	// StoreDriverGORM uses GORM; postgres tables are still created by the SQL migrations.
	StoreDriverGORM = "gorm"
)

// Config aggregates runtime settings for walletd.
type Config struct {
	LedgerAddress  string
	LedgerInsecure bool
	LedgerTimeout  time.Duration

	DatabaseURL string
	StoreDriver string

	NATSURL        string
	PushSubject    string
	PushQueueGroup string

	DeltaTTL            time.Duration
	TickInterval        time.Duration
	RefreshInterval     time.Duration
	DedupWindow         time.Duration
	ConfirmationTimeout time.Duration
	RedemptionRetention time.Duration

	SweepInitialDelay time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	ExpiringWindow    time.Duration

	Development bool

	API walletapi.Config
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.LedgerAddress = defaultIfEmpty(cfg.LedgerAddress, defaultLedgerAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverPGX))
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if cfg.DeltaTTL <= 0 {
		cfg.DeltaTTL = wallet.DefaultDeltaTTL
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.SweepInitialDelay <= 0 {
		cfg.SweepInitialDelay = scheduler.DefaultInitialDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = scheduler.DefaultInterval
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = entitlement.DefaultBatchSize
	}
	if cfg.ExpiringWindow < 0 {
		return fmt.Errorf("expiring window must not be negative")
	}
	if cfg.ExpiringWindow == 0 {
		cfg.ExpiringWindow = entitlement.DefaultExpiringWindow
	}
	if cfg.StoreDriver != StoreDriverPGX && cfg.StoreDriver != StoreDriverGORM {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if strings.TrimSpace(cfg.LedgerAddress) == "" {
		return fmt.Errorf("ledger address is required")
	}
	if err := cfg.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
