package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"tustore/backend/internal/config"
	"tustore/backend/internal/httpapi"
	"tustore/backend/internal/lock"
	"tustore/backend/internal/reporting"
	"tustore/backend/internal/service"
	"tustore/backend/internal/store"
	"tustore/backend/internal/store/memory"
	pgstore "tustore/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server terminated", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	repo, usesPostgres, closeRepo, err := openRepository(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	locker, closeLocker := openLocker(startupCtx, cfg, logger)
	if closeLocker != nil {
		closers = append(closers, closeLocker)
	}

	svc := service.New(repo, locker, logger.Named("service"), service.Options{
		GatewayAccount: cfg.GatewayAccount,
		Reporting: reporting.Options{
			TopN:           cfg.DashboardTopN,
			StockThreshold: cfg.StockAlertThreshold,
			WindowDays:     cfg.DashboardWindowDays,
			RecentSales:    cfg.DashboardRecentSales,
			Location:       location,
		},
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)

	if usesPostgres && cfg.BootstrapAdminPassword != "" {
		created, err := auth.EnsureAdmin(startupCtx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			logger.Info("bootstrap administrator created", zap.String("username", cfg.BootstrapAdminUsername))
		}
	}
	if cfg.GatewayWebhookSecret == "" {
		logger.Info("gateway webhook disabled: GATEWAY_WEBHOOK_SECRET is not set")
	}

	api := httpapi.New(svc, auth, logger.Named("http"), httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		WebhookSecret: cfg.GatewayWebhookSecret,
		Location:      location,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// openRepository refuses to fall back to memory when DATABASE_URL is set
// but unreachable.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, bool, func() error, error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, false, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		logger.Info("repository: postgres")
		return pg, true, pg.Close, nil
	}

	repo, err := memory.NewSeeded()
	if err != nil {
		return nil, false, nil, fmt.Errorf("seed in-memory store: %w", err)
	}
	if memory.UsesDefaultCredentials() {
		logger.Warn("in-memory store uses default demo credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD")
	}
	logger.Info("repository: in-memory")
	return repo, false, nil, nil
}

// openLocker prefers redis so several instances serialize session changes;
// an unreachable redis degrades to a process-local lock.
func openLocker(ctx context.Context, cfg config.Config, logger *zap.Logger) (lock.Locker, func() error) {
	if cfg.RedisAddr == "" {
		logger.Info("session lock: local")
		return lock.NewLocalLocker(), nil
	}
	redisLocker := lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
	if err := redisLocker.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, using local session lock", zap.Error(err))
		_ = redisLocker.Close()
		return lock.NewLocalLocker(), nil
	}
	logger.Info("session lock: redis", zap.String("addr", cfg.RedisAddr))
	return redisLocker, redisLocker.Close
}

// newLogger builds the production JSON logger. Unknown levels fall back to
// info.
func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = atomicLevel
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.GatewayWebhookSecret != "" && len(cfg.GatewayWebhookSecret) < 16 {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET must be at least 16 characters when set")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
