// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config aggregates every setting of the service.
type Config struct {
	App         AppConfig
	Telegram    TelegramConfig
	Store       StoreConfig
	Vault       VaultConfig
	Redis       RedisConfig
	NOWPayments NOWPaymentsConfig
	Shop        ShopConfig
	Admin       AdminConfig
}

type AppConfig struct {
	HTTPAddr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	BasePath         string        `envconfig:"HTTP_BASE_PATH"`
	BaseURL          string        `envconfig:"BASE_URL"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat        string        `envconfig:"LOG_FORMAT" default:"text"`
	MetricsNamespace string        `envconfig:"METRICS_NAMESPACE" default:"nitro_bot"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type TelegramConfig struct {
	Token         string        `envconfig:"TELEGRAM_TOKEN"`
	APIEndpoint   string        `envconfig:"TELEGRAM_API_ENDPOINT"`
	Timeout       time.Duration `envconfig:"TELEGRAM_TIMEOUT" default:"15s"`
	WebhookSecret string        `envconfig:"WEBHOOK_SECRET"`
	SetWebhook    bool          `envconfig:"SET_WEBHOOK" default:"false"`
}

type StoreConfig struct {
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	DatabaseSchema string `envconfig:"DATABASE_SCHEMA"`
	SQLitePath     string `envconfig:"SQLITE_PATH"`
}

// UsesSQLite reports whether the SQLite backend is selected. DATABASE_URL wins
// when both are set.
func (s StoreConfig) UsesSQLite() bool {
	return s.DatabaseURL == "" && s.SQLitePath != ""
}

type VaultConfig struct {
	Key     string `envconfig:"VAULT_KEY"`
	BlobDir string `envconfig:"BLOB_DIR" default:"data/blobs"`
}

type RedisConfig struct {
	URL        string        `envconfig:"REDIS_URL"`
	Addr       string        `envconfig:"REDIS_ADDR"`
	Password   string        `envconfig:"REDIS_PASSWORD"`
	DB         int           `envconfig:"REDIS_DB" default:"0"`
	CatalogTTL time.Duration `envconfig:"CATALOG_CACHE_TTL" default:"30s"`
}

// Enabled reports whether a Redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Addr != ""
}

type NOWPaymentsConfig struct {
	APIKey         string        `envconfig:"NOWPAYMENTS_API_KEY"`
	BaseURL        string        `envconfig:"NOWPAYMENTS_BASE_URL"`
	IPNSecret      string        `envconfig:"NOWPAYMENTS_IPN_SECRET"`
	Timeout        time.Duration `envconfig:"NOWPAYMENTS_TIMEOUT" default:"15s"`
	PayCurrency    string        `envconfig:"PAY_CURRENCY" default:"btc"`
	CreditCurrency string        `envconfig:"CREDIT_CURRENCY" default:"usd"`
}

type ShopConfig struct {
	MinDepositUSD        decimal.Decimal `envconfig:"MIN_DEPOSIT_USD" default:"10"`
	InventoryMode        string          `envconfig:"INVENTORY_MODE" default:"single"`
	PurchaseConfirmation bool            `envconfig:"PURCHASE_CONFIRMATION" default:"true"`
	PendingActionTTL     time.Duration   `envconfig:"PENDING_ACTION_TTL" default:"15m"`
	DeliveryTimeout      time.Duration   `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
	SupportContact       string          `envconfig:"SUPPORT_CONTACT"`
}

type AdminConfig struct {
	JWTSecret string        `envconfig:"ADMIN_JWT_SECRET"`
	TokenTTL  time.Duration `envconfig:"ADMIN_TOKEN_TTL" default:"15m"`
	OwnerID   int64         `envconfig:"OWNER_ID"`
}

// Enabled reports whether the admin surface should be mounted.
func (a AdminConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() {
	c.App.BaseURL = strings.TrimRight(strings.TrimSpace(c.App.BaseURL), "/")
	c.App.BasePath = normaliseBasePath(c.App.BasePath)
	c.App.LogFormat = strings.ToLower(strings.TrimSpace(c.App.LogFormat))
	c.Shop.InventoryMode = strings.ToLower(strings.TrimSpace(c.Shop.InventoryMode))
	c.NOWPayments.PayCurrency = strings.ToLower(strings.TrimSpace(c.NOWPayments.PayCurrency))
	c.NOWPayments.CreditCurrency = strings.ToLower(strings.TrimSpace(c.NOWPayments.CreditCurrency))
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
	}
	if strings.TrimSpace(c.Telegram.WebhookSecret) == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.Store.DatabaseURL == "" && c.Store.SQLitePath == "" {
		errs = append(errs, errors.New("DATABASE_URL or SQLITE_PATH is required"))
	}
	if c.Vault.Key == "" {
		errs = append(errs, errors.New("VAULT_KEY is required"))
	}
	switch c.Shop.InventoryMode {
	case "single", "repeatable":
	default:
		errs = append(errs, fmt.Errorf("INVENTORY_MODE must be single or repeatable, got %q", c.Shop.InventoryMode))
	}
	if !c.Shop.MinDepositUSD.IsPositive() {
		errs = append(errs, errors.New("MIN_DEPOSIT_USD must be positive"))
	}
	if c.Shop.PendingActionTTL <= 0 {
		errs = append(errs, errors.New("PENDING_ACTION_TTL must be positive"))
	}
	if c.Telegram.SetWebhook && c.App.BaseURL == "" {
		errs = append(errs, errors.New("BASE_URL is required when SET_WEBHOOK is enabled"))
	}
	return errors.Join(errs...)
}

func normaliseBasePath(base string) string {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return "/" + base
}
