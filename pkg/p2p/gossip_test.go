package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
	"github.com/uhyunpark/zkbook/pkg/crypto"
)

type batchMap map[uint64]exchange.Batch

func (m batchMap) Batch(seq uint64) (exchange.Batch, error) {
	b, ok := m[seq]
	if !ok {
		return exchange.Batch{}, exchange.ErrBatchNotFound
	}
	return b, nil
}

func testSigner(t *testing.T, fill byte) *crypto.AttestationSigner {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	s, err := crypto.NewAttestationSigner(seed)
	require.NoError(t, err)
	return s
}

func sampleBatch() exchange.Batch {
	return exchange.Batch{
		Seq:         4,
		Time:        1_700_000_000_000,
		PrevDigest:  common.HexToHash("0x01"),
		Orders:      []orderbook.Order{{ID: "1", Owner: common.HexToAddress("0xa"), Side: orderbook.Bid, Price: 10, Quantity: 2}},
		Digest:      common.HexToHash("0x02"),
		BalanceRoot: common.HexToHash("0x03"),
	}
}

func newTestGossip(t *testing.T, cfg Config) *Gossip {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	g, err := NewGossip(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		g.Close()
	})
	return g
}

func TestCommitmentAttestation(t *testing.T) {
	g := &Gossip{signer: testSigner(t, 7)}
	c, err := g.Sign(sampleBatch())
	require.NoError(t, err)
	require.NoError(t, VerifyCommitment(c))
	require.NoError(t, CheckBatch(c, sampleBatch()))

	tampered := c
	tampered.Digest = common.HexToHash("0xff")
	require.ErrorIs(t, VerifyCommitment(tampered), ErrBadAttestation)
	require.Error(t, CheckBatch(tampered, sampleBatch()))

	other := c
	other.PubKey = testSigner(t, 8).PublicKeyBytes()
	require.ErrorIs(t, VerifyCommitment(other), ErrBadAttestation)

	_, err = (&Gossip{}).Sign(sampleBatch())
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestCommitmentWireRoundTrip(t *testing.T) {
	g := &Gossip{signer: testSigner(t, 1)}
	c, err := g.Sign(sampleBatch())
	require.NoError(t, err)

	cb, err := gobEncode(c)
	require.NoError(t, err)
	var got Commitment
	require.NoError(t, gobDecode(cb, &got))
	require.Equal(t, c, got)
	require.NoError(t, VerifyCommitment(got))
}

func TestFetchBatch(t *testing.T) {
	server := newTestGossip(t, Config{Batches: batchMap{4: sampleBatch()}})
	client := newTestGossip(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, server.Addrs()[0]))

	b, err := client.FetchBatch(ctx, server.Host().ID(), 4)
	require.NoError(t, err)
	require.Equal(t, sampleBatch().Digest, b.Digest)
	require.Equal(t, sampleBatch().Orders, b.Orders)

	_, err = client.FetchBatch(ctx, server.Host().ID(), 5)
	require.ErrorIs(t, err, exchange.ErrBatchNotFound)
}

func TestGossipDeliversVerifiedCommitments(t *testing.T) {
	leader := newTestGossip(t, Config{Signer: testSigner(t, 3)})
	follower := newTestGossip(t, Config{Bootstrap: leader.Addrs()})

	var mu sync.Mutex
	var got []Commitment
	var senders []peer.ID
	follower.OnCommitment(func(c Commitment, from peer.ID) {
		mu.Lock()
		got = append(got, c)
		senders = append(senders, from)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	// the mesh forms asynchronously; republish until one lands
	require.Eventually(t, func() bool {
		require.NoError(t, leader.PublishBatch(ctx, sampleBatch()))
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 15*time.Second, 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, CheckBatch(got[0], sampleBatch()))
	require.Equal(t, leader.Host().ID(), senders[0])
}
