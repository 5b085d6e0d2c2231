package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gin-gonic/gin"

	"github.com/spreadcore/spread-api/internal/auth"
	"github.com/spreadcore/spread-api/internal/config"
	"github.com/spreadcore/spread-api/internal/database"
	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/pending"
	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/recovery"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/stream"
	"github.com/spreadcore/spread-api/internal/trading"
	"github.com/spreadcore/spread-api/internal/venue"
	"github.com/spreadcore/spread-api/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the spread trading core: quote streaming, premium
// recording, trade execution, pending order monitoring, and partial
// fill recovery, behind one HTTP API with graceful shutdown.
func main() {
	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	middleware.SetJWTSecret(cfg.JWTSecret)

	gateways := map[string]venue.Gateway{
		venue.TerminalMT4: venue.NewRESTGateway(cfg.MT4APIURL, venue.TerminalMT4),
		venue.TerminalMT5: venue.NewRESTGateway(cfg.MT5APIURL, venue.TerminalMT5),
	}

	// Services.
	authService := auth.NewService(cfg.JWTSecret)
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		authService.RegisterAPICredentials(apiKey, os.Getenv("API_SECRET"))
	}
	authHandlers := auth.NewGinHandlers(authService)

	pairingService := pairing.NewService(db)
	pairingDB := pairingService.DB()
	pairingHandlers := pairing.NewGinHandlers(pairingService)

	sessions := session.NewManager(pairingDB, gateways, cfg.TokenTTL, cfg.TokenSafetyMargin)
	cache := quotes.NewCache(db, cfg.QuoteWriteInterval)
	engine := premium.NewEngine(db, cfg.PremiumInterval)

	premiumService := premium.NewService(pairingDB, cache, engine, cfg.DisplayQuoteMaxAge)
	premiumHandlers := premium.NewGinHandlers(premiumService)

	tradingDB := trading.NewDatabase(db)
	execCfg := trading.ExecutorConfig{
		QuoteMaxAge:    cfg.QuoteMaxAge,
		LegTimeout:     cfg.LegTimeout,
		OverallTimeout: cfg.OverallTimeout,
		LockTTL:        cfg.LockTTL,
	}
	executor := trading.NewExecutor(tradingDB, pairingDB, sessions, cache, execCfg)
	tradingService := trading.NewService(tradingDB, executor, pairingDB, sessions, cache, execCfg)
	tradingHandlers := trading.NewGinHandlers(tradingService)
	tpMonitor := trading.NewMonitor(tradingService, trading.MonitorConfig{
		PollInterval: cfg.TPPollInterval,
		QuoteMaxAge:  cfg.QuoteMaxAge,
	})

	recoveryService := recovery.NewService(tradingDB, pairingDB, sessions, recovery.Config{
		RetryInterval: cfg.RetryInterval,
		MaxAttempts:   cfg.MaxRetryAttempts,
		LegTimeout:    cfg.LegTimeout,
	})
	executor.OnPartial(recoveryService.Watch)
	recoveryHandlers := recovery.NewGinHandlers(recoveryService)

	pendingService := pending.NewService(pending.NewDatabase(db), pairingDB)
	pendingHandlers := pending.NewGinHandlers(pendingService)
	pendingMonitor := pending.NewMonitor(pendingService.DB(), pairingDB, cache, executor, pending.MonitorConfig{
		PollInterval: cfg.PendingPollInterval,
		QuoteMaxAge:  cfg.QuoteMaxAge,
		MaxErrors:    cfg.PendingMaxErrors,
	})

	streamer := stream.NewStreamer(pairingDB, sessions, cache, engine, stream.ClientConfig{
		SubscribeInterval: cfg.SubscribeInterval,
		Heartbeat:         cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		BackoffJitter:     cfg.BackoffJitter,
	})

	// Background loops.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go streamer.Start(workerCtx)
	go recoveryService.Start(workerCtx)
	go pendingMonitor.Start(workerCtx)
	go tpMonitor.Start(workerCtx)

	// Router.
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, authHandlers, pairingHandlers, premiumHandlers, tradingHandlers, pendingHandlers, recoveryHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	workerCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Pairing, premium, trading, pending routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	pairingHandlers *pairing.GinHandlers,
	premiumHandlers *premium.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	pendingHandlers *pending.GinHandlers,
	recoveryHandlers *recovery.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Pairing routes
		pairings := v1.Group("/pairings")
		pairings.Use(middleware.JWTAuth())
		{
			pairings.POST("/accounts", pairingHandlers.CreateAccountHandler())
			pairings.POST("", pairingHandlers.CreatePairingHandler())
			pairings.GET("", pairingHandlers.ListPairingsHandler())
			pairings.GET("/:pairing_id", pairingHandlers.GetPairingHandler())
			pairings.POST("/:pairing_id/lock", pairingHandlers.LockSymbolsHandler())
		}

		// Premium routes
		premiumGroup := v1.Group("/premium")
		premiumGroup.Use(middleware.JWTAuth())
		{
			premiumGroup.GET("/:pairing_id", premiumHandlers.CurrentHandler())
			premiumGroup.GET("/:pairing_id/history", premiumHandlers.HistoryHandler())
		}

		// Trading routes
		tradingGroup := v1.Group("/trading")
		tradingGroup.Use(middleware.JWTAuth())
		{
			tradingGroup.POST("/trades", tradingHandlers.ExecuteHandler())
			tradingGroup.GET("/trades", tradingHandlers.ListTradesHandler())
			tradingGroup.GET("/trades/:trade_id", tradingHandlers.GetTradeHandler())
			tradingGroup.POST("/trades/:trade_id/close", tradingHandlers.CloseHandler())
			tradingGroup.GET("/closed", tradingHandlers.ListClosedTradesHandler())

			tradingGroup.POST("/pending", pendingHandlers.CreateHandler())
			tradingGroup.GET("/pending", pendingHandlers.ListHandler())
			tradingGroup.POST("/pending/:order_id/cancel", pendingHandlers.CancelHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.GET("/recovery", recoveryHandlers.StatusHandler())
			internal.POST("/recovery/:trade_id/retry", recoveryHandlers.RetryHandler())
		}
	}
}
