package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/walletsync/internal/walletapi"
	"github.com/MarkoPoloResearchLab/walletsync/internal/walletd"
)

const envPrefix = "WALLETD"

const (
	flagLedgerAddr          = "ledger-addr"
	flagLedgerInsecure      = "ledger-insecure"
	flagLedgerTimeout       = "ledger-timeout"
	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagNATSURL             = "nats-url"
	flagPushSubject         = "push-subject"
	flagPushQueueGroup      = "push-queue-group"
	flagDeltaTTL            = "delta-ttl"
	flagTickInterval        = "tick-interval"
	flagRefreshInterval     = "refresh-interval"
	flagDedupWindow         = "dedup-window"
	flagConfirmationTimeout = "confirmation-timeout"
	flagRedemptionRetention = "redemption-retention"
	flagSweepInitialDelay   = "sweep-initial-delay"
	flagSweepInterval       = "sweep-interval"
	flagSweepBatchSize      = "sweep-batch-size"
	flagExpiringWindow      = "expiring-window"
	flagDevelopment         = "development"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookie       = "session-cookie"
	flagRequestTimeout      = "request-timeout"
	flagAdminRole           = "admin-role"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &walletd.Config{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return walletd.Run(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagLedgerAddr, "localhost:7000", "authoritative ledger gRPC address")
	flags.Bool(flagLedgerInsecure, false, "dial the ledger without TLS")
	flags.Duration(flagLedgerTimeout, 0, "per-call ledger timeout")
	flags.String(flagDatabaseURL, "sqlite:///tmp/walletsync.db", "entitlement database (postgres url or sqlite path)")
	flags.String(flagStoreDriver, walletd.StoreDriverPGX, "postgres store implementation: pgx or gorm")
	flags.String(flagNATSURL, "", "NATS url for push notifications; empty disables the feed")
	flags.String(flagPushSubject, "", "NATS subject for push notifications")
	flags.String(flagPushQueueGroup, "", "NATS queue group shared by walletd replicas")
	flags.Duration(flagDeltaTTL, 0, "lifetime of unconfirmed deltas")
	flags.Duration(flagTickInterval, 0, "pending delta expiry check interval")
	flags.Duration(flagRefreshInterval, 0, "authoritative refresh interval")
	flags.Duration(flagDedupWindow, 0, "event id dedup window")
	flags.Duration(flagConfirmationTimeout, 0, "redemption confirmation timeout")
	flags.Duration(flagRedemptionRetention, 0, "how long completed redemptions are replayed")
	flags.Duration(flagSweepInitialDelay, 0, "delay before the startup entitlement sweep")
	flags.Duration(flagSweepInterval, 0, "entitlement sweep interval")
	flags.Int(flagSweepBatchSize, 0, "entitlements per sweep batch")
	flags.Duration(flagExpiringWindow, 0, "how far ahead entitlements are marked expiring (0 uses the default)")
	flags.Bool(flagDevelopment, false, "use the development logger")
	flags.String(flagListenAddr, ":9090", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma separated CORS origins")
	flags.String(flagSessionSigningKey, "", "tauth session signing key")
	flags.String(flagSessionIssuer, "", "tauth session issuer")
	flags.String(flagSessionCookie, "", "tauth session cookie name")
	flags.Duration(flagRequestTimeout, 0, "HTTP request timeout")
	flags.String(flagAdminRole, "", "role allowed to trigger entitlement sweeps")

	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *walletd.Config) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	*cfg = walletd.Config{
		LedgerAddress:       settings.GetString(flagLedgerAddr),
		LedgerInsecure:      settings.GetBool(flagLedgerInsecure),
		LedgerTimeout:       settings.GetDuration(flagLedgerTimeout),
		DatabaseURL:         settings.GetString(flagDatabaseURL),
		StoreDriver:         settings.GetString(flagStoreDriver),
		NATSURL:             settings.GetString(flagNATSURL),
		PushSubject:         settings.GetString(flagPushSubject),
		PushQueueGroup:      settings.GetString(flagPushQueueGroup),
		DeltaTTL:            settings.GetDuration(flagDeltaTTL),
		TickInterval:        settings.GetDuration(flagTickInterval),
		RefreshInterval:     settings.GetDuration(flagRefreshInterval),
		DedupWindow:         settings.GetDuration(flagDedupWindow),
		ConfirmationTimeout: settings.GetDuration(flagConfirmationTimeout),
		RedemptionRetention: settings.GetDuration(flagRedemptionRetention),
		SweepInitialDelay:   settings.GetDuration(flagSweepInitialDelay),
		SweepInterval:       settings.GetDuration(flagSweepInterval),
		SweepBatchSize:      settings.GetInt(flagSweepBatchSize),
		ExpiringWindow:      settings.GetDuration(flagExpiringWindow),
		Development:         settings.GetBool(flagDevelopment),
		API: walletapi.Config{
			ListenAddr:        settings.GetString(flagListenAddr),
			AllowedOrigins:    walletapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
			SessionSigningKey: settings.GetString(flagSessionSigningKey),
			SessionIssuer:     settings.GetString(flagSessionIssuer),
			SessionCookieName: settings.GetString(flagSessionCookie),
			RequestTimeout:    settings.GetDuration(flagRequestTimeout),
			AdminRole:         settings.GetString(flagAdminRole),
		},
	}
	return cfg.Validate()
}
