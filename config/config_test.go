package config

import "testing"

func clearKuCoinEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"KUCOIN_API_KEY", "KUCOIN_API_SECRET", "KUCOIN_API_PASSPHRASE", "VAULT_ENABLED", "EXCHANGES", "SYMBOL", "REDIS_ADDR", "REDIS_URL"} {
		t.Setenv(k, "")
	}
}

func TestSymbolPrecedenceArgsOverEnv(t *testing.T) {
	clearKuCoinEnv(t)
	t.Setenv("SYMBOL", "ETH")
	t.Setenv("EXCHANGES", "binance")

	cfg, err := Load([]string{"sol"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Symbol != "SOL" {
		t.Fatalf("expected the CLI arg to win over SYMBOL env var, got %q", cfg.Symbol)
	}
}

func TestSymbolFallsBackToEnvThenDefault(t *testing.T) {
	clearKuCoinEnv(t)
	t.Setenv("EXCHANGES", "binance")
	t.Setenv("SYMBOL", "ETH")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Symbol != "ETH" {
		t.Fatalf("expected SYMBOL env var to be used when no CLI arg is given, got %q", cfg.Symbol)
	}

	clearKuCoinEnv(t)
	t.Setenv("EXCHANGES", "binance")
	cfg, err = Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Symbol != "BTC" {
		t.Fatalf("expected default symbol BTC with nothing set, got %q", cfg.Symbol)
	}
}

func TestLoadFailsWhenKuCoinRequestedWithoutCredentials(t *testing.T) {
	clearKuCoinEnv(t)
	t.Setenv("EXCHANGES", "kucoin")

	if _, err := Load(nil); err == nil {
		t.Fatalf("expected an error requesting kucoin with no credentials and vault disabled")
	}
}

func TestLoadSucceedsWhenKuCoinRequestedWithCredentials(t *testing.T) {
	clearKuCoinEnv(t)
	t.Setenv("EXCHANGES", "kucoin")
	t.Setenv("KUCOIN_API_KEY", "k")
	t.Setenv("KUCOIN_API_SECRET", "s")
	t.Setenv("KUCOIN_API_PASSPHRASE", "p")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Wants("kucoin") {
		t.Fatalf("expected kucoin to be wanted")
	}
}

func TestLoadSucceedsWhenKuCoinRequestedWithVaultEnabled(t *testing.T) {
	clearKuCoinEnv(t)
	t.Setenv("EXCHANGES", "kucoin")
	t.Setenv("VAULT_ENABLED", "true")

	if _, err := Load(nil); err != nil {
		t.Fatalf("expected no error when vault is enabled, credential presence is checked later: %v", err)
	}
}

func TestExchangesFromEnvDefaultsToAllFive(t *testing.T) {
	clearKuCoinEnv(t)
	// The default set includes kucoin, so its credentials must be present
	// for Load to succeed.
	t.Setenv("KUCOIN_API_KEY", "k")
	t.Setenv("KUCOIN_API_SECRET", "s")
	t.Setenv("KUCOIN_API_PASSPHRASE", "p")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range []string{"binance", "coinbase", "bybit", "kraken", "kucoin"} {
		if !cfg.Wants(v) {
			t.Fatalf("expected default exchange set to include %s, got %v", v, cfg.Exchanges)
		}
	}
}

func TestExchangesFromEnvParsesCommaSeparatedList(t *testing.T) {
	clearKuCoinEnv(t)
	t.Setenv("EXCHANGES", " Binance, Kraken ,")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Wants("binance") || !cfg.Wants("kraken") {
		t.Fatalf("expected binance and kraken to be wanted, got %v", cfg.Exchanges)
	}
	if cfg.Wants("coinbase") {
		t.Fatalf("expected coinbase to be excluded, got %v", cfg.Exchanges)
	}
}
