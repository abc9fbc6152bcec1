package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("MARKET_SYMBOL", "BTC-USDC")
	t.Setenv("BATCH_INTERVAL_MS", "250")
	t.Setenv("MAX_BATCH_ORDERS", "10")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("P2P_BOOTSTRAP", "/ip4/127.0.0.1/tcp/4001/p2p/QmPeer")
	t.Setenv("CHAIN_ID", "42")
	t.Setenv("VERBOSE", "true")
	t.Setenv("DEMO_TRADERS", "5")
	t.Setenv("P2P_FOLLOW", "true")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Market.Symbol != "BTC-USDC" {
		t.Errorf("symbol = %s", cfg.Market.Symbol)
	}
	if cfg.Sequencer.BatchInterval != 250*time.Millisecond || cfg.Sequencer.MaxBatchOrders != 10 {
		t.Errorf("sequencer = %+v", cfg.Sequencer)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[1] != "http://b.test" {
		t.Errorf("cors = %v", cfg.API.CORSOrigins)
	}
	if len(cfg.P2P.Bootstrap) != 1 || cfg.ChainID.Int64() != 42 || !cfg.Node.Verbose || cfg.Node.DemoTraders != 5 || !cfg.P2P.Follow {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("API_ADDR=:9999\nBATCH_INTERVAL_MS=bogus\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_ADDR", "")
	t.Setenv("BATCH_INTERVAL_MS", "")
	os.Unsetenv("API_ADDR")
	os.Unsetenv("BATCH_INTERVAL_MS")

	cfg := LoadFromEnv(path)
	if cfg.API.Addr != ":9999" {
		t.Errorf("addr = %s, want :9999", cfg.API.Addr)
	}
	if cfg.Sequencer.BatchInterval != Default().Sequencer.BatchInterval {
		t.Errorf("bad interval not ignored: %v", cfg.Sequencer.BatchInterval)
	}
}
