package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/zkbook/params"
	"github.com/uhyunpark/zkbook/pkg/api"
	"github.com/uhyunpark/zkbook/pkg/app/core/market"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
	"github.com/uhyunpark/zkbook/pkg/crypto"
	"github.com/uhyunpark/zkbook/pkg/storage"
	"github.com/uhyunpark/zkbook/pkg/util"
)

func main() {
	// ENV > .env > defaults
	cfg := params.LoadFromEnv("")

	var logger *zap.Logger
	var err error
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	} else {
		logger, err = util.NewLogger(cfg.Node.Verbose)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	// ---- Market ----
	base, err := crypto.ParseAddress(cfg.Market.BaseToken)
	if err != nil {
		sugar.Fatalw("base_token_invalid", "err", err)
	}
	quote, err := crypto.ParseAddress(cfg.Market.QuoteToken)
	if err != nil {
		sugar.Fatalw("quote_token_invalid", "err", err)
	}
	m, err := market.New(cfg.Market.Symbol, base, quote)
	if err != nil {
		sugar.Fatalw("market_invalid", "err", err)
	}
	m.MaxOrderSize = cfg.Market.MaxOrderSize

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	var journal exchange.Journal = storage.NewNopWAL()
	if cfg.Node.JournalFile != "" {
		fw, err := storage.NewFileWAL(cfg.Node.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalFile, "err", err)
		}
		defer fw.Close()
		journal = fw
	}

	// ---- Exchange ----
	domain := crypto.DefaultDomain()
	domain.ChainID = cfg.ChainID

	app, err := exchange.New(exchange.Config{
		BatchInterval:   cfg.Sequencer.BatchInterval,
		MaxBatchOrders:  cfg.Sequencer.MaxBatchOrders,
		MempoolCapacity: cfg.Sequencer.MempoolCapacity,
	}, m, exchange.Deps{
		Verifier: transaction.NewVerifier(domain),
		Store:    store,
		Journal:  journal,
		Clock:    util.RealClock{},
		Logger:   sugar,
	})
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- P2P ----
	if cfg.P2P.Follow && cfg.P2P.Listen == "" {
		sugar.Fatalw("follow_requires_p2p", "hint", "set P2P_LISTEN")
	}
	if cfg.P2P.Listen != "" {
		gossip, err := startGossip(ctx, cfg.P2P, app, sugar)
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer gossip.Close()
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, cfg.API.CORSOrigins, sugar)
	go func() {
		if err := apiServer.Serve(ctx, cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// ---- Demo order flow (optional) ----
	if cfg.Node.DemoTraders > 0 && !cfg.P2P.Follow {
		fc := exchange.DefaultFeederConfig()
		fc.Traders = cfg.Node.DemoTraders
		gen, err := exchange.NewOrderGenerator(m.Symbol, domain, fc)
		if err != nil {
			sugar.Fatalw("feeder_init_failed", "err", err)
		}
		cancelFeeder, err := exchange.StartFeeder(ctx, app, gen)
		if err != nil {
			sugar.Fatalw("feeder_start_failed", "err", err)
		}
		defer cancelFeeder()
	}

	head := app.Head()
	sugar.Infow("node_starting",
		"market", m.Symbol,
		"seq", head.Seq,
		"digest", head.Digest.Hex(),
		"batch_interval_ms", cfg.Sequencer.BatchInterval.Milliseconds(),
		"chain_id", cfg.ChainID.String(),
		"follow", cfg.P2P.Follow,
	)

	if cfg.P2P.Follow {
		// batches arrive through gossip; the local sequencer stays idle
		<-ctx.Done()
		sugar.Infow("node_stopped", "seq", app.Head().Seq)
		return
	}
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("sequencer_failed", "err", err)
		stop()
		os.Exit(1)
	}
	sugar.Infow("node_stopped", "seq", app.Head().Seq)
}
