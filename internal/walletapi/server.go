// Package walletapi exposes reconciled wallets over HTTP.
package walletapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/walletsync/internal/redemption"
	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const shutdownTimeout = 5 * time.Second

// Wallet is the per-user handle the API reads and mutates through.
type Wallet interface {
	Do(ctx context.Context, fn func(engine *wallet.Engine) error) error
	View(ctx context.Context) (wallet.View, error)
	RequestRefresh()
}

// Directory resolves wallets and accepts signals for them.
type Directory interface {
	Wallet(userID wallet.UserID) (Wallet, error)
	Submit(signal wallet.Signal) bool
}

// Redeemer settles redemptions.
type Redeemer interface {
	Redeem(ctx context.Context, request redemption.Request) (redemption.Result, error)
}

// Dependencies are the collaborators behind the HTTP handlers.
type Dependencies struct {
	Wallets  Directory
	Redeemer Redeemer
	Ledger   wallet.AuthoritativeLedgerClient
	// TriggerSweep starts an entitlement sweep and reports whether it started. Optional.
	TriggerSweep func() bool
}

// Server owns the HTTP listener and router.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *zap.Logger
}

// NewServer validates the configuration and builds the router with session middleware.
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler, err := newHTTPHandler(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	router := setupRouter(cfg, handler, sessionValidator.GinMiddleware(claimsContextKey))
	return &Server{cfg: cfg, router: router, logger: logger}, nil
}

// Handler exposes the router, mainly for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (server *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("walletapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, sessionMiddleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(sessionMiddleware)

	api.GET("/wallet", handler.handleWallet)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/history", handler.handleHistory)
	api.GET("/notices", handler.handleNotices)
	api.POST("/deltas", handler.handleDelta)
	api.POST("/redemptions", handler.handleRedemption)
	api.POST("/refresh", handler.handleRefresh)
	api.POST("/push", handler.handlePush)
	api.POST("/sweeps", handler.handleSweep)

	return router
}
