package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/zkbook/params"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
	"github.com/uhyunpark/zkbook/pkg/crypto"
	"github.com/uhyunpark/zkbook/pkg/p2p"
)

// startGossip joins the commitment topic. With an attestation seed the node signs and
// publishes every batch it commits. Every node checks the commitments it hears, and a
// following node adopts the batches behind them.
func startGossip(ctx context.Context, cfg params.P2P, app *exchange.App, log *zap.SugaredLogger) (*p2p.Gossip, error) {
	var signer *crypto.AttestationSigner
	if cfg.AttestationSeed != "" {
		seed, err := crypto.DecodeHex(cfg.AttestationSeed)
		if err != nil {
			return nil, fmt.Errorf("attestation seed: %w", err)
		}
		if signer, err = crypto.NewAttestationSigner(seed); err != nil {
			return nil, err
		}
	}

	g, err := p2p.NewGossip(ctx, p2p.Config{
		ListenAddr: cfg.Listen,
		Bootstrap:  cfg.Bootstrap,
		Signer:     signer,
		Batches:    app,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range g.Addrs() {
		log.Infow("p2p_address", "addr", a)
	}

	if signer != nil {
		app.OnBatch(func(b exchange.Batch) {
			if err := g.PublishBatch(ctx, b); err != nil {
				log.Warnw("commitment_publish_failed", "seq", b.Seq, "err", err)
			}
		})
	}
	f := &follower{app: app, fetch: g, adopt: cfg.Follow, log: log}
	g.OnCommitment(func(c p2p.Commitment, from peer.ID) {
		go f.check(ctx, c, from)
	})
	return g, nil
}

type batchFetcher interface {
	FetchBatch(ctx context.Context, p peer.ID, seq uint64) (exchange.Batch, error)
}

// follower checks peer commitments against the local chain. With adopt set it
// fetches every batch between its head and the commitment and applies them in order.
type follower struct {
	mu    sync.Mutex
	app   *exchange.App
	fetch batchFetcher
	adopt bool
	log   *zap.SugaredLogger
}

func (f *follower) check(ctx context.Context, c p2p.Commitment, from peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if local, err := f.app.Batch(c.Seq); err == nil {
		if err := p2p.CheckBatch(c, local); err != nil {
			f.log.Warnw("commitment_mismatch", "seq", c.Seq, "from", from.String(), "err", err)
			return
		}
		f.log.Debugw("commitment_matched", "seq", c.Seq, "from", from.String())
		return
	} else if !errors.Is(err, exchange.ErrBatchNotFound) {
		f.log.Warnw("batch_load_failed", "seq", c.Seq, "err", err)
		return
	}

	head := f.app.Head()
	if !f.adopt || c.Seq <= head.Seq {
		f.log.Debugw("commitment_skipped", "seq", c.Seq, "local_seq", head.Seq)
		return
	}
	if err := f.catchUp(ctx, c, from, head.Seq); err != nil {
		f.log.Warnw("commitment_rejected", "seq", c.Seq, "from", from.String(), "local_seq", f.app.Head().Seq, "err", err)
		return
	}
	f.log.Infow("commitment_verified", "seq", c.Seq, "from", from.String(), "digest", c.Digest.Hex())
}

// catchUp applies batches head+1..c.Seq from peer. Each batch is replayed against
// the previous one, so the chain ends at the attested digest or stops with an error.
func (f *follower) catchUp(ctx context.Context, c p2p.Commitment, from peer.ID, head uint64) error {
	for seq := head + 1; seq <= c.Seq; seq++ {
		b, err := f.fetch.FetchBatch(ctx, from, seq)
		if err != nil {
			return fmt.Errorf("fetch batch %d: %w", seq, err)
		}
		if seq == c.Seq {
			if err := p2p.CheckBatch(c, b); err != nil {
				return err
			}
		}
		if err := f.app.ApplyBatch(b); err != nil {
			return err
		}
	}
	return nil
}
