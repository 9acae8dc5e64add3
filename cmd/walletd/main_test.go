package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/walletsync/internal/walletd"
)

func TestLoadConfigReadsEnvironmentAndFlags(test *testing.T) {
	test.Setenv("WALLETD_SESSION_SIGNING_KEY", "env-key")
	test.Setenv("WALLETD_DELTA_TTL", "90s")
	test.Setenv("WALLETD_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cmd := newRootCommand()
	if err := cmd.Flags().Set(flagLedgerAddr, "ledger.internal:7000"); err != nil {
		test.Fatalf("set flag: %v", err)
	}
	if err := cmd.Flags().Set(flagSweepBatchSize, "25"); err != nil {
		test.Fatalf("set flag: %v", err)
	}

	var cfg walletd.Config
	if err := loadConfig(cmd, viper.New(), &cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if cfg.API.SessionSigningKey != "env-key" {
		test.Fatalf("expected signing key from env, got %q", cfg.API.SessionSigningKey)
	}
	if cfg.DeltaTTL != 90*time.Second {
		test.Fatalf("expected delta ttl from env, got %s", cfg.DeltaTTL)
	}
	if cfg.LedgerAddress != "ledger.internal:7000" || cfg.SweepBatchSize != 25 {
		test.Fatalf("flags not applied: %+v", cfg)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "http://b.test" {
		test.Fatalf("unexpected origins: %#v", cfg.API.AllowedOrigins)
	}
}

func TestLoadConfigRequiresSigningKey(test *testing.T) {
	cmd := newRootCommand()
	var cfg walletd.Config
	if err := loadConfig(cmd, viper.New(), &cfg); err == nil {
		test.Fatalf("expected missing signing key to fail")
	}
}
