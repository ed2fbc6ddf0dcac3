package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"agripay/internal/billing"
	billingapi "agripay/internal/billing/api"
	"agripay/internal/commission"
	commissionapi "agripay/internal/commission/api"
	"agripay/internal/common/clock"
	"agripay/internal/common/database"
	"agripay/internal/common/events"
	"agripay/internal/common/lock"
	"agripay/internal/common/middleware"
	"agripay/internal/common/nats"
	"agripay/internal/jobs"
	"agripay/internal/ledger"
	ledgerapi "agripay/internal/ledger/api"
	ledgerstore "agripay/internal/ledger/store"
	"agripay/internal/payment"
	paymentapi "agripay/internal/payment/api"
	"agripay/internal/providers/cash"
	"agripay/internal/providers/tembo"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"AGRIPAY_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	Timezone    string `envconfig:"TIMEZONE" default:"Africa/Dar_es_Salaam"`
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`

	Database   database.Config
	NATS       nats.Config
	Lock       lock.Config
	Tembo      tembo.Config
	Payment    payment.Config
	Billing    billing.Config
	Commission commission.Config
	Ledger     ledger.Config
	Jobs       jobs.Config
}

type stores struct {
	payments    payment.Store
	billings    billing.Store
	commissions commission.Store
	directory   commission.AgentDirectory
	ledger      ledgerstore.Store
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	clk, err := clock.NewSystem(cfg.Timezone)
	if err != nil {
		logger.Error("invalid time zone", "error", err)
		os.Exit(1)
	}

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Storage
	var (
		st     stores
		health []func(context.Context) error
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory stores; data is lost on restart")
		st = stores{
			payments:    payment.NewMemoryStore(),
			billings:    billing.NewMemoryStore(),
			commissions: commission.NewMemoryStore(),
			directory:   commission.NewMemoryDirectory(),
			ledger:      ledgerstore.NewMemoryStore(),
		}
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				logger.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}

		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		st = stores{
			payments:    payment.NewPostgresStore(db.Pool()),
			billings:    billing.NewPostgresStore(db.Pool()),
			commissions: commission.NewPostgresStore(db.Pool(), logger),
			directory:   commission.NewPostgresDirectory(db.Pool()),
			ledger:      ledgerstore.NewPostgresStore(db.Pool(), logger),
		}
		health = append(health, db.HealthCheck)
	default:
		logger.Error("unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	// Events
	var publisher events.EventPublisher = events.Discard{}
	if cfg.NATS.Enabled {
		nc, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if _, err := nc.EnsureStream(ctx, cfg.NATS.Stream); err != nil {
			logger.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(nc, logger)
		health = append(health, func(context.Context) error { return nc.HealthCheck() })
	}

	// Locks
	locker, closeLocker, err := lock.Open(ctx, cfg.Lock, logger)
	if err != nil {
		logger.Error("failed to create locker", "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	// Providers
	temboAdapter := tembo.NewAdapter(cfg.Tembo, clk, logger)
	if !temboAdapter.IsAvailable() {
		logger.Warn("tembo provider is not configured; mobile money payments will fail")
	}

	// Create services
	paymentService := payment.NewService(st.payments, locker, clk, publisher, cfg.Payment, logger)
	paymentService.RegisterProvider(temboAdapter)
	paymentService.RegisterProvider(cash.NewAdapter(logger))

	billingService := billing.NewService(st.billings, paymentService, locker, clk, publisher, cfg.Billing, logger)
	commissionService := commission.NewService(st.commissions, paymentService, st.directory, locker, clk, publisher, cfg.Commission, logger)

	ledgerService := ledger.NewService(st.ledger, clk, publisher, cfg.Ledger, logger)
	if err := ledgerService.InitializeAccounts(ctx); err != nil {
		logger.Error("failed to initialize ledger accounts", "error", err)
		os.Exit(1)
	}

	paymentService.Subscribe(ledgerService)
	paymentService.Subscribe(billingService)
	paymentService.Subscribe(commissionService)

	// Scheduled sweeps
	sweeps := jobs.NewSweeps(billingService, commissionService, paymentService, clk, cfg.Jobs, logger)
	coordinator := jobs.NewCoordinator(sweeps, clk.Location, cfg.Jobs, logger)
	if cfg.Jobs.Enabled {
		if err := coordinator.Start(ctx); err != nil {
			logger.Error("failed to start job coordinator", "error", err)
			os.Exit(1)
		}
	}

	// Create handlers
	paymentHandler := paymentapi.NewHandler(paymentService)
	walletHandler := paymentapi.NewWalletHandler(temboAdapter, clk.Now)
	billingHandler := billingapi.NewHandler(billingService)
	commissionHandler := commissionapi.NewHandler(commissionService)
	ledgerHandler := ledgerapi.NewHandler(ledgerService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CallerIdentity)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range health {
			if err := check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/payments", paymentHandler.Routes())
		r.Mount("/providers/tembo", walletHandler.Routes())
		r.Mount("/billings", billingHandler.Routes())
		r.Mount("/commissions", commissionHandler.Routes())
		r.Mount("/ledger", ledgerHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting agripay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"timezone", clk.Location.String(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	select {
	case <-coordinator.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("sweeps still running at shutdown")
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
