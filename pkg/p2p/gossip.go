// Package p2p gossips signed batch commitments between nodes and serves batch
// bodies over a request stream so followers can replay and check them.
package p2p

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/zkbook/pkg/app/exchange"
	"github.com/uhyunpark/zkbook/pkg/crypto"
)

const (
	topicCommitments = "zkbook-commitments"
	protocolBatch    = protocol.ID("/zkbook/batch/1.0.0")
)

var (
	ErrBadAttestation = errors.New("commitment signature does not verify")
	ErrNoSigner       = errors.New("node has no attestation key")
)

// BatchSource serves stored batches to peers.
type BatchSource interface {
	Batch(seq uint64) (exchange.Batch, error)
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Signer     *crypto.AttestationSigner // nil for a follower that only listens
	Batches    BatchSource               // nil disables the batch protocol
	Logger     *zap.SugaredLogger
}

type Gossip struct {
	h      host.Host
	ps     *pubsub.PubSub
	log    *zap.SugaredLogger
	signer *crypto.AttestationSigner

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	muH      sync.RWMutex
	handlers []func(Commitment, peer.ID)
}

func NewGossip(ctx context.Context, cfg Config) (*Gossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{h: h, ps: ps, log: cfg.Logger, signer: cfg.Signer}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(topicCommitments); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	if cfg.Batches != nil {
		h.SetStreamHandler(protocolBatch, g.batchHandler(cfg.Batches))
	}
	go g.handleCommitments(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns dialable multiaddrs including the /p2p/<id> suffix.
func (g *Gossip) Addrs() []string {
	var out []string
	for _, a := range g.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, g.h.ID()))
	}
	return out
}

// Connect dials a peer given a full multiaddr.
func (g *Gossip) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, g.h, addr)
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		g.log.Warnw("topic_close_failed", "err", err)
	}
	return g.h.Close()
}

// OnCommitment registers fn for every commitment from another peer whose signature verifies.
func (g *Gossip) OnCommitment(fn func(Commitment, peer.ID)) {
	g.muH.Lock()
	g.handlers = append(g.handlers, fn)
	g.muH.Unlock()
}

// Sign builds the commitment for b.
func (g *Gossip) Sign(b exchange.Batch) (Commitment, error) {
	if g.signer == nil {
		return Commitment{}, ErrNoSigner
	}
	c := Commitment{Seq: b.Seq, Digest: b.Digest, BalanceRoot: b.BalanceRoot, PubKey: g.signer.PublicKeyBytes()}
	c.Signature = g.signer.Sign(c.Message())
	return c, nil
}

// PublishBatch signs and gossips the commitment for b.
func (g *Gossip) PublishBatch(ctx context.Context, b exchange.Batch) error {
	c, err := g.Sign(b)
	if err != nil {
		return err
	}
	return g.Publish(ctx, c)
}

func (g *Gossip) Publish(ctx context.Context, c Commitment) error {
	cb, err := gobEncode(c)
	if err != nil {
		return err
	}
	data, err := gobEncode(CommitmentWire{Commitment: cb})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// VerifyCommitment checks the attestation against the key carried in c.
// Callers decide whether that key is trusted.
func VerifyCommitment(c Commitment) error {
	pk, err := crypto.ParseBLSPubKey(c.PubKey)
	if err != nil {
		return err
	}
	if !crypto.VerifyAttestation(pk, c.Signature, c.Message()) {
		return ErrBadAttestation
	}
	return nil
}

// CheckBatch reports whether b is the batch c commits to.
func CheckBatch(c Commitment, b exchange.Batch) error {
	if b.Seq != c.Seq {
		return fmt.Errorf("batch seq %d, commitment seq %d", b.Seq, c.Seq)
	}
	if b.Digest != c.Digest {
		return fmt.Errorf("batch %d digest %s, committed %s", b.Seq, b.Digest.Hex(), c.Digest.Hex())
	}
	if b.BalanceRoot != c.BalanceRoot {
		return fmt.Errorf("batch %d balance root %s, committed %s", b.Seq, b.BalanceRoot.Hex(), c.BalanceRoot.Hex())
	}
	return nil
}

// inbound

func (g *Gossip) handleCommitments(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w CommitmentWire
		if err := gobDecode(msg.Data, &w); err != nil {
			g.log.Debugw("commitment_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		var c Commitment
		if err := gobDecode(w.Commitment, &c); err != nil {
			g.log.Debugw("commitment_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if err := VerifyCommitment(c); err != nil {
			g.log.Warnw("commitment_rejected", "from", msg.ReceivedFrom.String(), "seq", c.Seq, "err", err)
			continue
		}

		g.muH.RLock()
		hs := g.handlers
		g.muH.RUnlock()
		for _, fn := range hs {
			fn(c, msg.ReceivedFrom)
		}
	}
}

// FetchBatch asks p for batch seq. A missing batch returns exchange.ErrBatchNotFound.
func (g *Gossip) FetchBatch(ctx context.Context, p peer.ID, seq uint64) (exchange.Batch, error) {
	s, err := g.h.NewStream(ctx, p, protocolBatch)
	if err != nil {
		return exchange.Batch{}, err
	}
	defer s.Close()

	var req [8]byte
	binary.BigEndian.PutUint64(req[:], seq)
	if _, err := s.Write(req[:]); err != nil {
		return exchange.Batch{}, err
	}
	if err := s.CloseWrite(); err != nil {
		return exchange.Batch{}, err
	}

	data, err := io.ReadAll(s)
	if err != nil {
		return exchange.Batch{}, err
	}
	var w BatchWire
	if err := gobDecode(data, &w); err != nil {
		return exchange.Batch{}, err
	}
	if w.Err != "" {
		return exchange.Batch{}, fmt.Errorf("peer %s: %s", p, w.Err)
	}
	if !w.Found {
		return exchange.Batch{}, fmt.Errorf("%w: %d", exchange.ErrBatchNotFound, seq)
	}
	var b exchange.Batch
	if err := gobDecode(w.Batch, &b); err != nil {
		return exchange.Batch{}, err
	}
	return b, nil
}

func (g *Gossip) batchHandler(src BatchSource) network.StreamHandler {
	return func(s network.Stream) {
		defer s.Close()

		var req [8]byte
		if _, err := io.ReadFull(s, req[:]); err != nil {
			return
		}
		seq := binary.BigEndian.Uint64(req[:])

		var w BatchWire
		b, err := src.Batch(seq)
		switch {
		case errors.Is(err, exchange.ErrBatchNotFound):
		case err != nil:
			w.Err = err.Error()
		default:
			if w.Batch, err = gobEncode(b); err != nil {
				w.Err = err.Error()
			} else {
				w.Found = true
			}
		}
		data, err := gobEncode(w)
		if err != nil {
			return
		}
		if _, err := s.Write(data); err != nil {
			g.log.Debugw("batch_serve_failed", "peer", s.Conn().RemotePeer().String(), "seq", seq, "err", err)
		}
	}
}
