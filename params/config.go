package params

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Market struct {
	Symbol       string
	BaseToken    string // hex address
	QuoteToken   string // hex address
	MaxOrderSize uint64
}

type Sequencer struct {
	// BatchInterval is how often queued orders are drained into a batch.
	BatchInterval   time.Duration
	MaxBatchOrders  int
	MempoolCapacity int
}

type Node struct {
	DBPath      string
	JournalFile string
	LogFile     string
	Verbose     bool
	// DemoTraders > 0 starts a synthetic order feeder with that many funded traders.
	DemoTraders int
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type P2P struct {
	Listen    string
	Bootstrap []string
	// AttestationSeed derives the BLS key that signs commitments. Hex, at least 32 bytes.
	AttestationSeed string
	// Follow makes the node adopt batches from gossiped commitments instead of sequencing its own.
	Follow bool
}

type Config struct {
	Market    Market
	Sequencer Sequencer
	Node      Node
	API       API
	P2P       P2P
	ChainID   *big.Int
}

func Default() Config {
	return Config{
		Market: Market{
			Symbol:     "ETH-USDC",
			BaseToken:  "0x00000000000000000000000000000000000000b1",
			QuoteToken: "0x00000000000000000000000000000000000000c1",
		},
		Sequencer: Sequencer{
			BatchInterval:   500 * time.Millisecond,
			MaxBatchOrders:  1000,
			MempoolCapacity: 100_000,
		},
		Node: Node{
			DBPath:      "data/zkbook",
			JournalFile: "data/journal.log",
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		P2P: P2P{
			Listen: "/ip4/0.0.0.0/tcp/0",
		},
		ChainID: big.NewInt(1337),
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Market.Symbol = getEnv("MARKET_SYMBOL", cfg.Market.Symbol)
	cfg.Market.BaseToken = getEnv("BASE_TOKEN", cfg.Market.BaseToken)
	cfg.Market.QuoteToken = getEnv("QUOTE_TOKEN", cfg.Market.QuoteToken)
	if v := os.Getenv("MAX_ORDER_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Market.MaxOrderSize = n
		}
	}

	if v := os.Getenv("BATCH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Sequencer.BatchInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MAX_BATCH_ORDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sequencer.MaxBatchOrders = n
		}
	}
	if v := os.Getenv("MEMPOOL_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sequencer.MempoolCapacity = n
		}
	}

	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.JournalFile = getEnv("JOURNAL_FILE", cfg.Node.JournalFile)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.Verbose = os.Getenv("VERBOSE") == "true"
	if v := os.Getenv("DEMO_TRADERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Node.DemoTraders = n
		}
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.CORSOrigins = splitList(v)
	}

	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}
	cfg.P2P.AttestationSeed = getEnv("ATTESTATION_SEED", cfg.P2P.AttestationSeed)
	cfg.P2P.Follow = os.Getenv("P2P_FOLLOW") == "true"

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, ok := new(big.Int).SetString(v, 10); ok {
			cfg.ChainID = id
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
