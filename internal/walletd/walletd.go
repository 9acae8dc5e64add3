package walletd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/walletsync/internal/entitlement"
	"github.com/MarkoPoloResearchLab/walletsync/internal/ledgerclient"
	"github.com/MarkoPoloResearchLab/walletsync/internal/pushfeed"
	"github.com/MarkoPoloResearchLab/walletsync/internal/reconciler"
	"github.com/MarkoPoloResearchLab/walletsync/internal/redemption"
	"github.com/MarkoPoloResearchLab/walletsync/internal/scheduler"
	"github.com/MarkoPoloResearchLab/walletsync/internal/signalbus"
	"github.com/MarkoPoloResearchLab/walletsync/internal/walletapi"
	"github.com/MarkoPoloResearchLab/walletsync/internal/walletlog"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const sweepJobName = "entitlement_sweep"

// Run boots walletd and blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	conn, err := ledgerclient.Dial(cfg.LedgerAddress, cfg.LedgerInsecure)
	if err != nil {
		return err
	}
	defer conn.Close()
	client, err := ledgerclient.New(conn, ledgerclient.WithCallTimeout(cfg.LedgerTimeout))
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("entitlement store: %w", err)
	}
	defer closeStore()

	services, err := newServices(ctx, cfg, client, store, logger)
	if err != nil {
		return err
	}
	defer services.close()

	if cfg.NATSURL != "" {
		handler, err := pushfeed.NewHandler(services.directory, logger)
		if err != nil {
			return err
		}
		subscriber, err := pushfeed.NewSubscriber(pushfeed.SubscriberConfig{
			URL:        cfg.NATSURL,
			Subject:    cfg.PushSubject,
			QueueGroup: cfg.PushQueueGroup,
		}, handler, logger)
		if err != nil {
			return err
		}
		if err := subscriber.Connect(); err != nil {
			return fmt.Errorf("push feed: %w", err)
		}
		defer subscriber.Close()
	}

	logger.Info("walletd starting",
		zap.String("ledger_addr", cfg.LedgerAddress),
		zap.String("listen_addr", cfg.API.ListenAddr),
		zap.Bool("push_feed", cfg.NATSURL != ""),
	)
	return services.serve(ctx)
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// services holds the long-lived components shared by the HTTP surface and the push feed.
type services struct {
	logger     *zap.Logger
	bus        *signalbus.Bus
	registry   *reconciler.Registry
	directory  walletDirectory
	sweeps     *scheduler.Scheduler
	server     *walletapi.Server
	sweepCtx   context.Context
	stopSweeps context.CancelFunc
}

func newServices(ctx context.Context, cfg Config, client wallet.AuthoritativeLedgerClient, store entitlement.Store, logger *zap.Logger) (*services, error) {
	bus := signalbus.New(signalbus.WithDedupWindow(cfg.DedupWindow), signalbus.WithLogger(logger))
	registry, err := reconciler.NewRegistry(ctx, bus, client, reconciler.Config{
		DeltaTTL:        cfg.DeltaTTL,
		TickInterval:    cfg.TickInterval,
		RefreshInterval: cfg.RefreshInterval,
	},
		reconciler.WithLogger(logger),
		reconciler.WithOperationLogger(walletlog.New(logger)),
	)
	if err != nil {
		bus.Close()
		return nil, err
	}
	directory := walletDirectory{registry: registry}
	built := &services{logger: logger, bus: bus, registry: registry, directory: directory}

	coordinator, err := redemption.New(directory.lookup, client, redemption.Config{
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		Retention:           cfg.RedemptionRetention,
	}, redemption.WithLogger(logger))
	if err != nil {
		built.close()
		return nil, err
	}

	sweeper, err := entitlement.NewSweeper(store,
		entitlement.WithLogger(logger),
		entitlement.WithBatchSize(cfg.SweepBatchSize),
		entitlement.WithExpiringWindow(cfg.ExpiringWindow),
	)
	if err != nil {
		built.close()
		return nil, err
	}
	sweeps, err := scheduler.New(func(jobCtx context.Context) error {
		_, sweepErr := sweeper.Sweep(jobCtx)
		return sweepErr
	}, scheduler.Config{
		Name:         sweepJobName,
		InitialDelay: cfg.SweepInitialDelay,
		Interval:     cfg.SweepInterval,
	}, scheduler.WithLogger(logger))
	if err != nil {
		built.close()
		return nil, err
	}
	built.sweeps = sweeps
	built.sweepCtx, built.stopSweeps = context.WithCancel(ctx)

	server, err := walletapi.NewServer(cfg.API, walletapi.Dependencies{
		Wallets:  directory,
		Redeemer: coordinator,
		Ledger:   client,
		TriggerSweep: func() bool {
			return sweeps.Trigger(built.sweepCtx)
		},
	}, logger)
	if err != nil {
		built.close()
		return nil, err
	}
	built.server = server
	return built, nil
}

func (built *services) serve(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		built.sweeps.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return built.server.Serve(groupCtx)
	})
	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	built.logger.Info("walletd stopped")
	return nil
}

func (built *services) close() {
	if built.stopSweeps != nil {
		built.stopSweeps()
	}
	if built.sweeps != nil {
		built.sweeps.Wait()
	}
	built.registry.Close()
	built.bus.Close()
}

// walletDirectory adapts the registry to the API and the redemption coordinator.
type walletDirectory struct {
	registry *reconciler.Registry
}

func (directory walletDirectory) Wallet(userID wallet.UserID) (walletapi.Wallet, error) {
	actor, err := directory.registry.Actor(userID)
	if err != nil {
		return nil, err
	}
	return actor, nil
}

func (directory walletDirectory) Submit(signal wallet.Signal) bool {
	return directory.registry.Submit(signal)
}

func (directory walletDirectory) lookup(userID wallet.UserID) (redemption.Wallet, error) {
	actor, err := directory.registry.Actor(userID)
	if err != nil {
		return nil, err
	}
	return actor, nil
}
