// Package vault resolves the KuCoin credential triple (api key, secret,
// passphrase) from HashiCorp Vault when enabled, with an in-memory cache
// so every reconnect doesn't round-trip to Vault again.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"binance-trading-bot/config"
)

// KuCoinCredentials is the three-part credential KuCoin's REST signer
// needs, per original_source/src/kcsign.py.
type KuCoinCredentials struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
}

func (c KuCoinCredentials) empty() bool {
	return c.APIKey == "" || c.APISecret == "" || c.APIPassphrase == ""
}

// Client wraps the HashiCorp Vault client for this service's one secret:
// the KuCoin credential triple. Unlike the multi-tenant key store this was
// adapted from, there is exactly one credential set per deployment, so the
// cache is a single guarded value rather than a map keyed by user/exchange.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache *KuCoinCredentials
}

// NewClient builds a Vault client. When cfg.Enabled is false it returns a
// Client that always falls through to the caller-supplied fallback
// credentials — the same "disabled means pass-through" shape as the
// teacher's vault client.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("vault: configure tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault: new client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled reports whether this client talks to a real Vault server.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// StoreCredentials writes the KuCoin credential triple to Vault and
// refreshes the local cache.
func (c *Client) StoreCredentials(ctx context.Context, creds KuCoinCredentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":        creds.APIKey,
			"api_secret":     creds.APISecret,
			"api_passphrase": creds.APIPassphrase,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
		return fmt.Errorf("vault: store kucoin credentials: %w", err)
	}

	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()
	return nil
}

// GetCredentials resolves the KuCoin credential triple. If Vault is
// disabled, or enabled but has no entry at the configured path, it returns
// fallback unchanged — the caller (config.Load's caller, in practice the
// supervisor) is expected to pass the env-var-sourced KuCoinConfig as
// fallback so Vault is additive, never a hard requirement by itself.
func (c *Client) GetCredentials(ctx context.Context, fallback KuCoinCredentials) (KuCoinCredentials, error) {
	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return fallback, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return KuCoinCredentials{}, fmt.Errorf("vault: read kucoin credentials: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return fallback, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fallback, nil
	}

	creds := KuCoinCredentials{
		APIKey:        getString(data, "api_key"),
		APISecret:     getString(data, "api_secret"),
		APIPassphrase: getString(data, "api_passphrase"),
	}
	if creds.empty() {
		return fallback, nil
	}

	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()

	return creds, nil
}

// ClearCache drops the cached credential, forcing the next GetCredentials
// call to hit Vault (or the fallback) again.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// Health checks that Vault is reachable and unsealed. A disabled client is
// always considered healthy since it never depends on Vault being up.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault: health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault: sealed")
	}
	return nil
}

func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// NewMockClient returns a disabled client for tests that need a Client
// value without a live Vault server.
func NewMockClient() *Client {
	return &Client{config: config.VaultConfig{Enabled: false}}
}
