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

	"go.uber.org/zap"

	"dealerdesk/backend/internal/cache"
	"dealerdesk/backend/internal/config"
	"dealerdesk/backend/internal/httpapi"
	"dealerdesk/backend/internal/logger"
	"dealerdesk/backend/internal/service"
	"dealerdesk/backend/internal/store"
	"dealerdesk/backend/internal/store/memory"
	pgstore "dealerdesk/backend/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dealerdesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := pgstore.Migrate(cfg.DatabaseURL, log); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository selected", zap.String("repository", "postgres"))
	} else {
		if cfg.IsProduction() {
			return errors.New("DATABASE_URL is required in production")
		}
		repo = memory.NewSeeded()
		log.Info("repository selected", zap.String("repository", "memory"))
	}

	brokerCache := cache.BrokerCache(cache.NoopBrokerCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisBrokerCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			brokerCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache selected", zap.String("cache", "redis"), zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("cache selected", zap.String("cache", "noop"))
	}

	svc := service.New(repo, brokerCache, cfg.BrokerCacheTTL(), log)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.OwnerPIN, repo, log)
	if cfg.BootstrapOwnerPassword != "" {
		created, err := auth.BootstrapOwner(ctx, cfg.BootstrapOwnerPassword)
		if err != nil {
			return fmt.Errorf("bootstrap owner: %w", err)
		}
		if created {
			log.Info("owner account bootstrapped")
		}
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("dealerdesk backend listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.OwnerPIN) < 6 {
		return fmt.Errorf("OWNER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.OwnerPIN); err != nil {
		return fmt.Errorf("OWNER_PIN is too weak: %w", err)
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
