package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("WEBHOOK_SECRET", "hook")
	t.Setenv("SQLITE_PATH", "/tmp/ledger.db")
	t.Setenv("VAULT_KEY", "vault")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.App.HTTPAddr)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "single", cfg.Shop.InventoryMode)
	assert.True(t, cfg.Shop.PurchaseConfirmation)
	assert.Equal(t, 15*time.Minute, cfg.Shop.PendingActionTTL)
	assert.Equal(t, "10", cfg.Shop.MinDepositUSD.String())
	assert.Equal(t, "btc", cfg.NOWPayments.PayCurrency)
	assert.True(t, cfg.Store.UsesSQLite())
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Admin.Enabled())
}

func TestLoadReadsOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/nitro")
	t.Setenv("MIN_DEPOSIT_USD", "25.50")
	t.Setenv("INVENTORY_MODE", "Repeatable")
	t.Setenv("PURCHASE_CONFIRMATION", "false")
	t.Setenv("BASE_URL", "https://bot.example/")
	t.Setenv("OWNER_ID", "4242")
	t.Setenv("HTTP_BASE_PATH", "bot/")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.Store.UsesSQLite())
	assert.Equal(t, "25.5", cfg.Shop.MinDepositUSD.String())
	assert.Equal(t, "repeatable", cfg.Shop.InventoryMode)
	assert.False(t, cfg.Shop.PurchaseConfirmation)
	assert.Equal(t, "https://bot.example", cfg.App.BaseURL)
	assert.EqualValues(t, 4242, cfg.Admin.OwnerID)
	assert.Equal(t, "/bot", cfg.App.BasePath)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoadReportsMissingSettings(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("VAULT_KEY", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "")

	_, err := Load()
	require.Error(t, err)
	for _, name := range []string{"TELEGRAM_TOKEN", "WEBHOOK_SECRET", "VAULT_KEY", "SQLITE_PATH"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("INVENTORY_MODE", "infinite")
	t.Setenv("MIN_DEPOSIT_USD", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVENTORY_MODE")
	assert.Contains(t, err.Error(), "MIN_DEPOSIT_USD")
}
