package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nitro-bot/internal/admin"
	"nitro-bot/internal/cache"
	"nitro-bot/internal/catalog"
	"nitro-bot/internal/config"
	"nitro-bot/internal/convo"
	"nitro-bot/internal/deposit"
	"nitro-bot/internal/httpserver"
	"nitro-bot/internal/idempotency"
	"nitro-bot/internal/logging"
	"nitro-bot/internal/metrics"
	"nitro-bot/internal/nowpayments"
	"nitro-bot/internal/purchase"
	"nitro-bot/internal/repo"
	"nitro-bot/internal/telegram"
	"nitro-bot/internal/vault"
	"nitro-bot/internal/webhook"
	"nitro-bot/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger.Info("starting nitro-bot", "inventory_mode", cfg.Shop.InventoryMode, "sqlite", cfg.Store.UsesSQLite())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.App.MetricsNamespace)

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	if cfg.Admin.OwnerID > 0 {
		if err := store.SetRole(ctx, cfg.Admin.OwnerID, repo.RoleOwner); err != nil {
			return fmt.Errorf("assign owner: %w", err)
		}
	}
	if n, err := store.PurgeExpiredActions(ctx, time.Now()); err != nil {
		logger.Warn("purge expired actions failed", "error", err)
	} else if n > 0 {
		logger.Info("expired pending actions purged", "count", n)
	}

	sealer, err := vault.NewSealer(cfg.Vault.Key)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	blobs, err := vault.NewBlobStore(cfg.Vault.BlobDir, sealer, logger)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	var catalogCache catalog.Cache
	if cfg.Redis.Enabled() {
		redisClient, err := cache.New(cache.Config{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		catalogCache = redisClient
	}
	shopCatalog := catalog.New(store, catalogCache, cfg.Redis.CatalogTTL, logger, metricRegistry)

	tg, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Timeout:     cfg.Telegram.Timeout,
	}, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init telegram client: %w", err)
	}
	deliverer := telegram.NewDeliverer(blobs, tg, logger)

	payments := nowpayments.New(nowpayments.Config{
		BaseURL: cfg.NOWPayments.BaseURL,
		APIKey:  cfg.NOWPayments.APIKey,
		Timeout: cfg.NOWPayments.Timeout,
	}, logger, metricRegistry)

	webhookURL := publicWebhookURL(cfg)
	deposits := deposit.NewService(store, payments, deposit.ServiceConfig{
		MinimumUSD:  cfg.Shop.MinDepositUSD,
		PayCurrency: cfg.NOWPayments.PayCurrency,
		CallbackURL: webhookURL,
	}, logger)
	reconciler := deposit.NewReconciler(store, payments, tg, deposit.ReconcilerConfig{
		DefaultPayCurrency: cfg.NOWPayments.PayCurrency,
		CreditCurrency:     cfg.NOWPayments.CreditCurrency,
	}, logger, metricRegistry)

	purchases := purchase.NewEngine(store, deliverer, purchase.Config{
		Mode:            purchase.InventoryMode(cfg.Shop.InventoryMode),
		DeliveryTimeout: cfg.Shop.DeliveryTimeout,
		ConfirmationTTL: cfg.Shop.PendingActionTTL,
	}, logger, metricRegistry)

	var (
		adminLinker  convo.AdminLinker
		adminHandler *admin.Handler
	)
	if cfg.Admin.Enabled() {
		tokens, err := admin.NewTokens(admin.TokenConfig{
			Secret:  cfg.Admin.JWTSecret,
			TTL:     cfg.Admin.TokenTTL,
			BaseURL: cfg.App.BaseURL + cfg.App.BasePath,
		})
		if err != nil {
			return fmt.Errorf("init admin tokens: %w", err)
		}
		adminLinker = tokens
		adminHandler = admin.NewHandler(store, blobs, shopCatalog, tokens, logger)
	} else {
		logger.Warn("ADMIN_JWT_SECRET not set, admin api disabled")
	}

	machine := convo.New(convo.Deps{
		Store:     store,
		Messenger: tg,
		Purchases: purchases,
		Deposits:  deposits,
		Catalog:   shopCatalog,
		Admin:     adminLinker,
		Sealer:    sealer,
	}, convo.Config{
		PurchaseConfirmation: cfg.Shop.PurchaseConfirmation,
		PendingTTL:           cfg.Shop.PendingActionTTL,
		SupportContact:       cfg.Shop.SupportContact,
	}, logger)

	guard, err := idempotency.NewGuard(store, logger)
	if err != nil {
		return fmt.Errorf("init idempotency guard: %w", err)
	}
	hook := webhook.NewHandler(webhook.Config{
		Secret:    cfg.Telegram.WebhookSecret,
		IPNSecret: cfg.NOWPayments.IPNSecret,
	}, guard, machine, reconciler, logger, metricRegistry)

	handlers := httpserver.Handlers{Webhook: hook}
	if adminHandler != nil {
		handlers.Admin = adminHandler.Routes()
	}
	httpSrv := httpserver.New(cfg.App.HTTPAddr, logger, store, handlers, cfg.App.BasePath)

	if cfg.Telegram.SetWebhook {
		if err := tg.SetWebhook(ctx, webhookURL); err != nil {
			return fmt.Errorf("register telegram webhook: %w", err)
		}
		logger.Info("telegram webhook registered")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (repo.Store, error) {
	if cfg.UsesSQLite() {
		store, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return store, nil
	}
	store, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	return store, nil
}

// publicWebhookURL is the single inbound endpoint for Telegram and payment
// callbacks. Empty when no public base URL is configured.
func publicWebhookURL(cfg *config.Config) string {
	if cfg.App.BaseURL == "" {
		return ""
	}
	return cfg.App.BaseURL + cfg.App.BasePath + "/webhook?secret=" + url.QueryEscape(cfg.Telegram.WebhookSecret)
}
