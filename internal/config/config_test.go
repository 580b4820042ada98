package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BTC_RPC_ENDPOINT", "http://localhost:8332")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Monitor.CallTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.Expiry)
	assert.Equal(t, 10, cfg.Monitor.MaxReconnectAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 30*time.Second, cfg.Idempotency.LockTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Idempotency.LockRetryDelay)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, int64(1<<20), cfg.Webhook.MaxPayloadBytes)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.TimestampTolerance)

	btc, ok := cfg.Chains["BTC"]
	require.True(t, ok)
	assert.Equal(t, ChainTypeBitcoin, btc.Type)
	assert.Equal(t, int64(6), btc.RequiredConfirmations)
	assert.Equal(t, "mainnet", btc.Network)
}

func TestLoadConfigChainsAndProviders(t *testing.T) {
	t.Setenv("ETH_RPC_ENDPOINT", "http://eth:8545")
	t.Setenv("ETH_REQUIRED_CONFIRMATIONS", "3")
	t.Setenv("USDT_RPC_ENDPOINT", "http://eth:8545")
	t.Setenv("WEBHOOK_PROVIDERS", "btcpay, Coinbase")
	t.Setenv("WEBHOOK_BTCPAY_SECRET", "s1")
	t.Setenv("WEBHOOK_BTCPAY_ALLOWED_IPS", "10.0.0.1, 192.168.0.0/16")
	t.Setenv("WEBHOOK_COINBASE_SECRET", "s2")
	t.Setenv("MONITOR_POLL_INTERVAL", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Len(t, cfg.Chains, 2)
	assert.Equal(t, int64(3), cfg.Chains["ETH"].RequiredConfirmations)
	assert.NotEmpty(t, cfg.Chains["USDT"].TokenContract)
	assert.Equal(t, 5*time.Second, cfg.Monitor.PollInterval)

	require.Contains(t, cfg.Webhook.Providers, "btcpay")
	require.Contains(t, cfg.Webhook.Providers, "coinbase")
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, cfg.Webhook.Providers["btcpay"].AllowedIPs)
	assert.Equal(t, "s2", cfg.Webhook.Providers["coinbase"].Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "no chains",
			env:     map[string]string{},
			wantErr: "at least one chain",
		},
		{
			name: "unsupported chain type",
			env: map[string]string{
				"ETH_RPC_ENDPOINT": "http://eth",
				"ETH_TYPE":         "solana",
			},
			wantErr: "unsupported type",
		},
		{
			name: "provider without secret",
			env: map[string]string{
				"ATOM_RPC_ENDPOINT": "http://atom:26657",
				"WEBHOOK_PROVIDERS": "btcpay",
			},
			wantErr: "secret is required",
		},
		{
			name: "degraded threshold out of range",
			env: map[string]string{
				"ATOM_RPC_ENDPOINT":          "http://atom:26657",
				"BREAKER_DEGRADED_THRESHOLD": "1.5",
			},
			wantErr: "degraded threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a , ,b "))
}
