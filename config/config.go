// Package config loads arbwatch's runtime configuration from environment
// variables, following the same override-only pattern the rest of this
// module's ancestry uses: no config file, env vars win, sane defaults
// otherwise.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full runtime configuration for one symbol's arbitrage
// watcher.
type Config struct {
	Symbol          string
	Exchanges       []string
	StaleTime       time.Duration
	MaxWSReconnects int
	TakerFee        float64
	StatusFilePath  string

	RedisConfig  RedisConfig
	VaultConfig  VaultConfig
	KuCoinConfig KuCoinConfig
}

// RedisConfig configures the primary status-publisher sink.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	URL      string
	Password string
	DB       int
}

// VaultConfig configures the optional HashiCorp Vault-backed secret store
// for KuCoin credentials. When disabled, credentials come from KuCoinConfig.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// KuCoinConfig holds the raw KuCoin credential triple used when Vault is
// disabled or has no entry for this deployment.
type KuCoinConfig struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
}

var allExchanges = []string{"binance", "coinbase", "bybit", "kraken", "kucoin"}

// Load builds a Config from argv and the process environment.
//
// Symbol precedence: first CLI positional argument, then SYMBOL env var,
// then "BTC". It returns an error only for conditions spec.md classifies
// as fatal configuration errors (a requested venue with no usable
// credentials).
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Symbol:          symbolFromArgs(args),
		Exchanges:       exchangesFromEnv(),
		StaleTime:       getEnvDurationSecondsOrDefault("STALE_TIME", 30*time.Second),
		MaxWSReconnects: getEnvIntOrDefault("MAX_WS_RECONNECTS", 5),
		TakerFee:        getEnvFloatOrDefault("TAKER_FEE", 0.0006),
	}

	cfg.StatusFilePath = statusFilePath(cfg.Symbol)

	cfg.RedisConfig = RedisConfig{
		URL:      os.Getenv("REDIS_URL"),
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvIntOrDefault("REDIS_DB", 0),
	}
	cfg.RedisConfig.Enabled = cfg.RedisConfig.URL != "" || os.Getenv("REDIS_ADDR") != ""

	cfg.VaultConfig = VaultConfig{
		Enabled:    getEnvOrDefault("VAULT_ENABLED", "false") == "true",
		Address:    getEnvOrDefault("VAULT_ADDR", "http://127.0.0.1:8200"),
		Token:      os.Getenv("VAULT_TOKEN"),
		MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
		SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "arbwatch/kucoin"),
		TLSEnabled: getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true",
		CACert:     os.Getenv("VAULT_CACERT"),
	}

	cfg.KuCoinConfig = KuCoinConfig{
		APIKey:        os.Getenv("KUCOIN_API_KEY"),
		APISecret:     os.Getenv("KUCOIN_API_SECRET"),
		APIPassphrase: os.Getenv("KUCOIN_API_PASSPHRASE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Wants("kucoin") {
		return nil
	}
	if c.VaultConfig.Enabled {
		// Credential presence in Vault is checked once the vault client
		// is constructed at startup; absence there is also fatal but is
		// surfaced by the caller, not here.
		return nil
	}
	if c.KuCoinConfig.APIKey == "" || c.KuCoinConfig.APISecret == "" || c.KuCoinConfig.APIPassphrase == "" {
		return fmt.Errorf("config: kucoin requested in EXCHANGES but KUCOIN_API_KEY/KUCOIN_API_SECRET/KUCOIN_API_PASSPHRASE are not set and vault is disabled")
	}
	return nil
}

// Wants reports whether the given venue id is part of this run's configured
// exchange set.
func (c *Config) Wants(venue string) bool {
	for _, v := range c.Exchanges {
		if v == venue {
			return true
		}
	}
	return false
}

func symbolFromArgs(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return strings.ToUpper(args[0])
	}
	return strings.ToUpper(getEnvOrDefault("SYMBOL", "BTC"))
}

func exchangesFromEnv() []string {
	raw := os.Getenv("EXCHANGES")
	if raw == "" {
		return append([]string(nil), allExchanges...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), allExchanges...)
	}
	return out
}

// statusFilePath mirrors the original service's dev/prod path fallback:
// prefer /app/logs when it exists (container deployment), else a path
// relative to the working directory.
func statusFilePath(symbol string) string {
	base := "logs"
	if info, err := os.Stat("/app/logs"); err == nil && info.IsDir() {
		base = "/app/logs"
	}
	return fmt.Sprintf("%s/status_%s.json", base, symbol)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
