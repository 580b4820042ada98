package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported chain types
const (
	ChainTypeEVM     = "evm"
	ChainTypeBitcoin = "bitcoin"
	ChainTypeCosmos  = "cosmos"
)

// knownChains are the currency symbols read from the environment
var knownChains = []string{"BTC", "ETH", "USDT", "ATOM"}

// Config holds all configuration for the service
type Config struct {
	Env         string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Monitor     MonitorConfig
	Payment     PaymentConfig
	Idempotency IdempotencyConfig
	Breaker     BreakerConfig
	Webhook     WebhookConfig
	Notify      NotifyConfig
	PriceFeed   PriceFeedConfig
	Chains      map[string]ChainConfig
	Log         LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration. An empty Host selects the
// in-memory payment repository.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the shared cache configuration. An empty Addr selects the
// in-process cache, which is only safe for a single instance.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	PoolSize  int
}

// MonitorConfig holds transaction monitor configuration
type MonitorConfig struct {
	PollInterval         time.Duration
	SweepInterval        time.Duration
	CallTimeout          time.Duration
	Expiry               time.Duration
	MaxConcurrentChecks  int
	EventBuffer          int
	PushEnabled          bool
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
}

// PaymentConfig holds payment lifecycle configuration
type PaymentConfig struct {
	DefaultTTL          time.Duration
	ExpirySweepInterval time.Duration
	LockTTL             time.Duration
}

// IdempotencyConfig holds idempotency coordinator configuration
type IdempotencyConfig struct {
	TTL            time.Duration
	LockTTL        time.Duration
	LockRetryDelay time.Duration
}

// BreakerConfig holds circuit breaker and degradation configuration
type BreakerConfig struct {
	FailureThreshold  int
	OpenTimeout       time.Duration
	HalfOpenTrials    int
	WindowSize        int
	DegradedThreshold float64
}

// WebhookConfig holds inbound webhook configuration
type WebhookConfig struct {
	MaxPayloadBytes    int64
	TimestampTolerance time.Duration
	ReplayWindow       time.Duration
	TrustProxy         bool
	GlobalAllowedIPs   []string
	Providers          map[string]ProviderConfig
}

// ProviderConfig holds per-provider webhook settings
type ProviderConfig struct {
	Name       string
	Secret     string
	AllowedIPs []string
}

// NotifyConfig holds notification dispatcher configuration
type NotifyConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// PriceFeedConfig holds price feed configuration
type PriceFeedConfig struct {
	BaseURL      string
	APIKey       string
	RequestsPerS float64
	Burst        int
	CacheTTL     time.Duration
}

// ChainConfig holds configuration for one currency
type ChainConfig struct {
	Symbol                string
	Type                  string // "evm", "bitcoin" or "cosmos"
	RPCEndpoint           string
	WSEndpoint            string
	RequiredConfirmations int64
	TokenContract         string // ERC-20 contract, empty for the native asset
	Network               string // bitcoin: mainnet, testnet3, regtest, signet
	RPCUser               string
	RPCPassword           string
	AddressPrefix         string // cosmos bech32 prefix
	Decimals              int32

	// Deposit address derivation. EVM chains use CREATE2 through DepositFactory
	// with DepositInitCode; cosmos chains use instantiate2 with DepositCodeID
	// and DepositCreator. Empty means addresses must be supplied by the caller.
	DepositFactory  string
	DepositInitCode string
	DepositCodeID   uint64
	DepositCreator  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "paygate"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "paygate:"),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Monitor: MonitorConfig{
			PollInterval:         getEnvDuration("MONITOR_POLL_INTERVAL", 30*time.Second),
			SweepInterval:        getEnvDuration("MONITOR_SWEEP_INTERVAL", 5*time.Minute),
			CallTimeout:          getEnvDuration("MONITOR_CALL_TIMEOUT", 10*time.Second),
			Expiry:               getEnvDuration("MONITOR_EXPIRY", 24*time.Hour),
			MaxConcurrentChecks:  getEnvInt("MONITOR_MAX_CONCURRENT_CHECKS", 32),
			EventBuffer:          getEnvInt("MONITOR_EVENT_BUFFER", 256),
			PushEnabled:          getEnvBool("MONITOR_PUSH_ENABLED", true),
			MaxReconnectAttempts: getEnvInt("MONITOR_PUSH_MAX_RECONNECT_ATTEMPTS", 10),
			ReconnectBase:        getEnvDuration("MONITOR_PUSH_RECONNECT_BASE", time.Second),
			ReconnectMax:         getEnvDuration("MONITOR_PUSH_RECONNECT_MAX", 60*time.Second),
		},
		Payment: PaymentConfig{
			DefaultTTL:          getEnvDuration("PAYMENT_DEFAULT_TTL", time.Hour),
			ExpirySweepInterval: getEnvDuration("PAYMENT_EXPIRY_SWEEP_INTERVAL", time.Minute),
			LockTTL:             getEnvDuration("PAYMENT_LOCK_TTL", 30*time.Second),
		},
		Idempotency: IdempotencyConfig{
			TTL:            getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			LockTTL:        getEnvDuration("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
			LockRetryDelay: getEnvDuration("IDEMPOTENCY_LOCK_RETRY_DELAY", 100*time.Millisecond),
		},
		Breaker: BreakerConfig{
			FailureThreshold:  getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			OpenTimeout:       getEnvDuration("BREAKER_OPEN_TIMEOUT", 60*time.Second),
			HalfOpenTrials:    getEnvInt("BREAKER_HALF_OPEN_TRIALS", 1),
			WindowSize:        getEnvInt("BREAKER_WINDOW_SIZE", 20),
			DegradedThreshold: getEnvFloat("BREAKER_DEGRADED_THRESHOLD", 0.8),
		},
		Webhook: WebhookConfig{
			MaxPayloadBytes:    int64(getEnvInt("WEBHOOK_MAX_PAYLOAD_BYTES", 1<<20)),
			TimestampTolerance: getEnvDuration("WEBHOOK_TIMESTAMP_TOLERANCE", 5*time.Minute),
			ReplayWindow:       getEnvDuration("WEBHOOK_REPLAY_WINDOW", 24*time.Hour),
			TrustProxy:         getEnvBool("WEBHOOK_TRUST_PROXY", false),
			GlobalAllowedIPs:   splitAndTrim(getEnv("WEBHOOK_GLOBAL_ALLOWED_IPS", "")),
			Providers:          make(map[string]ProviderConfig),
		},
		Notify: NotifyConfig{
			BatchSize:     getEnvInt("NOTIFY_BATCH_SIZE", 50),
			FlushInterval: getEnvDuration("NOTIFY_FLUSH_INTERVAL", 2*time.Second),
			QueueSize:     getEnvInt("NOTIFY_QUEUE_SIZE", 1000),
		},
		PriceFeed: PriceFeedConfig{
			BaseURL:      getEnv("PRICEFEED_BASE_URL", ""),
			APIKey:       getEnv("PRICEFEED_API_KEY", ""),
			RequestsPerS: getEnvFloat("PRICEFEED_REQUESTS_PER_SECOND", 1),
			Burst:        getEnvInt("PRICEFEED_BURST", 5),
			CacheTTL:     getEnvDuration("PRICEFEED_CACHE_TTL", time.Minute),
		},
		Chains: make(map[string]ChainConfig),
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
	}

	loadChainConfigs(cfg)
	loadWebhookProviders(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadChainConfigs loads every currency whose RPC endpoint is set
func loadChainConfigs(cfg *Config) {
	defaults := map[string]ChainConfig{
		"BTC":  {Type: ChainTypeBitcoin, RequiredConfirmations: 6, Network: "mainnet", Decimals: 8},
		"ETH":  {Type: ChainTypeEVM, RequiredConfirmations: 12, Decimals: 18},
		"USDT": {Type: ChainTypeEVM, RequiredConfirmations: 12, TokenContract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		"ATOM": {Type: ChainTypeCosmos, RequiredConfirmations: 1, AddressPrefix: "cosmos", Decimals: 6},
	}

	for _, sym := range knownChains {
		rpc := getEnv(sym+"_RPC_ENDPOINT", "")
		if rpc == "" {
			continue
		}
		def := defaults[sym]
		cfg.Chains[sym] = ChainConfig{
			Symbol:                sym,
			Type:                  getEnv(sym+"_TYPE", def.Type),
			RPCEndpoint:           rpc,
			WSEndpoint:            getEnv(sym+"_WS_ENDPOINT", ""),
			RequiredConfirmations: int64(getEnvInt(sym+"_REQUIRED_CONFIRMATIONS", int(def.RequiredConfirmations))),
			TokenContract:         getEnv(sym+"_TOKEN_CONTRACT", def.TokenContract),
			Network:               getEnv(sym+"_NETWORK", def.Network),
			RPCUser:               getEnv(sym+"_RPC_USER", ""),
			RPCPassword:           getEnv(sym+"_RPC_PASSWORD", ""),
			AddressPrefix:         getEnv(sym+"_ADDRESS_PREFIX", def.AddressPrefix),
			Decimals:              int32(getEnvInt(sym+"_DECIMALS", int(def.Decimals))),
			DepositFactory:        getEnv(sym+"_DEPOSIT_FACTORY", ""),
			DepositInitCode:       getEnv(sym+"_DEPOSIT_INIT_CODE", ""),
			DepositCodeID:         uint64(getEnvInt(sym+"_DEPOSIT_CODE_ID", 0)),
			DepositCreator:        getEnv(sym+"_DEPOSIT_CREATOR", ""),
		}
	}
}

// loadWebhookProviders reads WEBHOOK_PROVIDERS and the per-provider settings
func loadWebhookProviders(cfg *Config) {
	for _, name := range splitAndTrim(getEnv("WEBHOOK_PROVIDERS", "")) {
		name = strings.ToLower(name)
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		cfg.Webhook.Providers[name] = ProviderConfig{
			Name:       name,
			Secret:     getEnv("WEBHOOK_"+envName+"_SECRET", ""),
			AllowedIPs: splitAndTrim(getEnv("WEBHOOK_"+envName+"_ALLOWED_IPS", "")),
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	for sym, chain := range c.Chains {
		switch chain.Type {
		case ChainTypeEVM, ChainTypeBitcoin, ChainTypeCosmos:
		default:
			return fmt.Errorf("chain %s: unsupported type %q", sym, chain.Type)
		}
		if chain.RequiredConfirmations <= 0 {
			return fmt.Errorf("chain %s: required confirmations must be positive", sym)
		}
	}

	for name, p := range c.Webhook.Providers {
		if p.Secret == "" {
			return fmt.Errorf("webhook provider %s: secret is required", name)
		}
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll interval must be positive")
	}
	if c.Monitor.CallTimeout <= 0 {
		return fmt.Errorf("monitor call timeout must be positive")
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.LockTTL <= 0 {
		return fmt.Errorf("idempotency TTLs must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.DegradedThreshold <= 0 || c.Breaker.DegradedThreshold > 1 {
		return fmt.Errorf("breaker degraded threshold must be in (0, 1]")
	}
	if c.Webhook.MaxPayloadBytes <= 0 {
		return fmt.Errorf("webhook max payload must be positive")
	}
	if c.Notify.BatchSize <= 0 || c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify batch and queue sizes must be positive")
	}

	return nil
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or a plain number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// splitAndTrim splits a comma-separated string and drops empty entries
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
