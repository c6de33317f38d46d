package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"ticket-mint/config"
	"ticket-mint/internal/handlers"
	"ticket-mint/internal/services"
	"ticket-mint/internal/storage"
	"ticket-mint/monitoring"
	"ticket-mint/security"
	"ticket-mint/utils"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func Start() error {
	flags := pflag.NewFlagSet("ticket-mint", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	port := flags.String("port", "", "HTTP listen port (overrides PORT)")
	driver := flags.String("storage", "", "storage driver: memory, redis or sqlite (overrides STORAGE_DRIVER)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *driver != "" {
		cfg.StorageDriver = *driver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	slog.SetDefault(newLogger(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, redisClient, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	key, err := verificationKey(cfg)
	if err != nil {
		return err
	}

	monitor := monitoring.NewMonitor()
	admins := security.NewAdminSet(cfg.AdminAddresses)
	if admins.Len() == 0 {
		slog.Warn("No ADMIN_ADDRESSES configured; requests cannot be approved or rejected")
	}

	breaker := utils.NewCircuitBreaker("mint", utils.BreakerSettings{
		MinRequests:  uint32(cfg.MintBreakerMinRequests),
		FailureRatio: cfg.MintBreakerFailureRatio,
		Interval:     time.Minute,
		Timeout:      cfg.MintBreakerOpenTimeout,
		OnStateChange: func(name string, from, to utils.State) {
			slog.Warn("Mint circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
			monitor.SetBreakerState(name, int(to))
		},
	})

	var notifier services.Notifier = services.NopNotifier{}
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		notifier = services.NewPubNubNotifier(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubUserID)
		slog.Info("PubNub notifications enabled", "user_id", cfg.PubNubUserID)
	}

	// Initialize services
	engine, err := services.NewEngine(services.Options{
		Repository:      repo,
		Minter:          services.NewGuardedMinter(services.NewLedgerMinter(), breaker),
		Notifier:        notifier,
		Authorize:       admins.Allows,
		VerificationKey: key,
		HoldTTL:         cfg.HoldTTL,
		MintTimeout:     cfg.MintTimeout,
		Logger:          slog.Default(),
		Monitor:         monitor,
	})
	if err != nil {
		return err
	}
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	// Start background tasks
	reconciler := services.NewReconciler(engine, cfg.ReconcileInterval, slog.Default())
	reconciler.Start(ctx)

	e := echo.New()
	e.Use(middleware.Recover())
	handlers.Register(e, engine, admins.Allows, security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute))
	if cfg.EnableMetrics {
		e.GET("/metrics", echo.WrapHandler(monitor.Handler()))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "storage", cfg.StorageDriver, "environment", cfg.Environment)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received, cleaning up...")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.MintTimeout+5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	cancel()
	reconciler.Wait()
	engine.Wait()
	if n := engine.Unpersisted(); n > 0 {
		slog.Error("Exiting with approvals that were never stored", "count", n)
	}
	slog.Info("Shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// openRepository returns the configured store and, for the redis driver,
// the client so the rate limiter can share it.
func openRepository(ctx context.Context, cfg *config.Config) (services.Repository, *redis.Client, error) {
	switch cfg.StorageDriver {
	case "redis":
		client, err := utils.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRedis(client, "ticketing"), client, nil
	case "sqlite":
		repo, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using SQLite storage", "path", cfg.SQLitePath)
		return repo, nil, nil
	case "memory", "":
		slog.Warn("Using in-memory storage; state is lost on restart")
		return storage.NewMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func verificationKey(cfg *config.Config) ([]byte, error) {
	if cfg.VerificationKey != "" {
		return []byte(cfg.VerificationKey), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("VERIFICATION_KEY is required in production")
	}
	slog.Warn("VERIFICATION_KEY not set; using a random key, issued tickets will not verify after restart")
	return utils.GenerateKey(32)
}
