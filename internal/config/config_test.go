package config

import "testing"

func TestParsePairs(t *testing.T) {
	pairs := parsePairs(" btc/usdt ,eth/usdt,,bad-entry")
	if len(pairs) != 2 {
		t.Fatalf("expected 2 valid pairs, got %d: %+v", len(pairs), pairs)
	}
	if pairs[0].Base != "BTC" || pairs[0].Quote != "USDT" {
		t.Fatalf("expected uppercased BTC/USDT, got %+v", pairs[0])
	}
}

func TestLoadDefaultsWithoutEnv(t *testing.T) {
	t.Setenv("TRADING_PAIRS", "BTC/USDT")
	t.Setenv("COINBASE_ENABLED", "false")
	t.Setenv("KRAKEN_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(cfg.TradingPairs) != 1 {
		t.Fatalf("expected 1 trading pair, got %d", len(cfg.TradingPairs))
	}
	if cfg.RiskProfile.Name != "Balanced" {
		t.Fatalf("expected default risk profile Balanced, got %s", cfg.RiskProfile.Name)
	}
	if cfg.MaxConcurrentOps != 3 {
		t.Fatalf("expected default MaxConcurrentOps=3, got %d", cfg.MaxConcurrentOps)
	}
}

func TestLoadRequiresPassphraseWhenCoinbaseKeySet(t *testing.T) {
	t.Setenv("TRADING_PAIRS", "BTC/USDT")
	t.Setenv("COINBASE_ENABLED", "true")
	t.Setenv("COINBASE_API_KEY", "key")
	t.Setenv("COINBASE_API_PASSPHRASE", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when Coinbase API key set without passphrase")
	}
}

func TestLoadRejectsEmptyTradingPairs(t *testing.T) {
	t.Setenv("TRADING_PAIRS", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error with no trading pairs configured")
	}
}
