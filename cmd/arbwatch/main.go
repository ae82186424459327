// Command arbwatch boots one venue client per configured exchange plus
// the opportunity-loop evaluator, all sharing a single aggregator for one
// trading symbol, per spec.md §2's Supervisor component and
// SPEC_FULL.md's "MODULE: Supervisor" section.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"binance-trading-bot/config"
	"binance-trading-bot/internal/aggregator"
	"binance-trading-bot/internal/logging"
	"binance-trading-bot/internal/opportunity"
	"binance-trading-bot/internal/status"
	"binance-trading-bot/internal/vault"
	"binance-trading-bot/internal/venue/binance"
	"binance-trading-bot/internal/venue/bybit"
	"binance-trading-bot/internal/venue/coinbase"
	"binance-trading-bot/internal/venue/kraken"
	"binance-trading-bot/internal/venue/kucoin"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		// logging isn't configured yet; this is a pre-logging fatal
		// configuration error per spec.md §6/§7.
		println("arbwatch: " + err.Error())
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:       envOrDefault("LOG_LEVEL", "INFO"),
		Output:      "stdout",
		Component:   "arbwatch",
		IncludeFile: false,
		JSONFormat:  true,
	})
	logging.SetDefault(logger)
	log := logger.WithField("symbol", cfg.Symbol)

	log.Info("starting arbwatch", "exchanges", cfg.Exchanges)

	agg := aggregator.New(cfg.Symbol)

	pub := status.New(cfg.RedisConfig, cfg.StatusFilePath)
	agg.SetPublisher(pub)
	defer pub.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var kucoinSigner *kucoin.Signer
	if cfg.Wants("kucoin") {
		signer, err := resolveKuCoinSigner(ctx, cfg, log)
		if err != nil {
			log.Fatal("failed to resolve kucoin credentials", "error", err.Error())
		}
		kucoinSigner = signer
	}

	var wg sync.WaitGroup
	launch := func(name string, run func(context.Context)) {
		if !cfg.Wants(name) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	launch("binance", binance.New(agg, cfg.Symbol, cfg.StaleTime, cfg.MaxWSReconnects).Run)
	launch("coinbase", coinbase.New(agg, cfg.Symbol, cfg.StaleTime, cfg.MaxWSReconnects).Run)
	launch("bybit", bybit.New(agg, cfg.Symbol, cfg.StaleTime, cfg.MaxWSReconnects).Run)
	launch("kraken", kraken.New(agg, cfg.Symbol, cfg.MaxWSReconnects).Run)
	if cfg.Wants("kucoin") {
		launch("kucoin", kucoin.New(agg, cfg.Symbol, cfg.StaleTime, cfg.MaxWSReconnects, kucoinSigner).Run)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		opportunity.New(agg, cfg.TakerFee, cfg.StaleTime).Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, waiting for venue clients to drain")
	wg.Wait()
	log.Info("arbwatch stopped cleanly")
}

// resolveKuCoinSigner resolves the KuCoin credential triple through Vault
// (when enabled), falling back to env-sourced config, per SPEC_FULL.md's
// Supervisor step 5.
func resolveKuCoinSigner(ctx context.Context, cfg *config.Config, log *logging.Logger) (*kucoin.Signer, error) {
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, err
	}

	fallback := vault.KuCoinCredentials{
		APIKey:        cfg.KuCoinConfig.APIKey,
		APISecret:     cfg.KuCoinConfig.APISecret,
		APIPassphrase: cfg.KuCoinConfig.APIPassphrase,
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	creds, err := vaultClient.GetCredentials(reqCtx, fallback)
	if err != nil {
		log.Warn("vault credential lookup failed, using env fallback", "error", err.Error())
		creds = fallback
	}

	if creds.APIKey == "" || creds.APISecret == "" || creds.APIPassphrase == "" {
		return nil, errMissingKuCoinCredentials
	}

	return kucoin.NewSigner(creds.APIKey, creds.APISecret, creds.APIPassphrase), nil
}

var errMissingKuCoinCredentials = errors.New("kucoin requested but no credentials available from vault or environment")

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
