package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, "./marketplace.db", cfg.Database.Path)
	assert.True(t, cfg.Cache.Enabled)
	assert.Empty(t, cfg.Admins)
	assert.False(t, cfg.StrictStockContracts)
}

func TestLoadAdmins(t *testing.T) {
	t.Setenv("MARKET_ADMINS", "root,ops")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "ops"}, cfg.Admins)
}

func TestLoadPaymentBlacklist(t *testing.T) {
	t.Setenv("PAYMENT_BLACKLIST", "4000000000000002")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"4000000000000002"}, cfg.Payment.Blacklist)
}

func TestValidateRejectsBadRateLimit(t *testing.T) {
	t.Setenv("RATE_LIMIT_RATE", "0")

	_, err := Load()
	assert.Error(t, err)
}
