package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/zkbook/pkg/app/core/market"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
	"github.com/uhyunpark/zkbook/pkg/crypto"
	"github.com/uhyunpark/zkbook/pkg/p2p"
	"github.com/uhyunpark/zkbook/pkg/storage"
)

var (
	baseToken  = common.HexToAddress("0xe7")
	quoteToken = common.HexToAddress("0x05")
	leaderID   = peer.ID("leader")
)

func newApp(t *testing.T) *exchange.App {
	t.Helper()
	m, err := market.New("ETH-USDC", baseToken, quoteToken)
	require.NoError(t, err)
	app, err := exchange.New(exchange.Config{}, m, exchange.Deps{
		Verifier: transaction.NewVerifier(crypto.DefaultDomain()),
		Store:    storage.NewInMemoryStore(),
	})
	require.NoError(t, err)
	return app
}

// sequenced returns an App that has committed one batch per round of orders.
func sequenced(t *testing.T, rounds ...[]orderbook.Order) *exchange.App {
	t.Helper()
	app := newApp(t)
	for _, o := range []common.Address{common.HexToAddress("0xa1"), common.HexToAddress("0xb0")} {
		_, err := app.Deposit(o, baseToken, uint256.NewInt(1_000))
		require.NoError(t, err)
		_, err = app.Deposit(o, quoteToken, uint256.NewInt(1_000_000))
		require.NoError(t, err)
	}
	for _, orders := range rounds {
		for _, o := range orders {
			_, err := app.Submit(o)
			require.NoError(t, err)
		}
		b, err := app.ProcessBatch()
		require.NoError(t, err)
		require.NotNil(t, b)
	}
	return app
}

type appFetcher struct {
	app     *exchange.App
	fetched []uint64
}

func (f *appFetcher) FetchBatch(_ context.Context, _ peer.ID, seq uint64) (exchange.Batch, error) {
	f.fetched = append(f.fetched, seq)
	return f.app.Batch(seq)
}

func commitmentFor(t *testing.T, app *exchange.App, seq uint64) p2p.Commitment {
	t.Helper()
	b, err := app.Batch(seq)
	require.NoError(t, err)
	return p2p.Commitment{Seq: b.Seq, Digest: b.Digest, BalanceRoot: b.BalanceRoot}
}

func threeBatches(t *testing.T) *exchange.App {
	alice, bob := common.HexToAddress("0xa1"), common.HexToAddress("0xb0")
	return sequenced(t,
		[]orderbook.Order{
			{ID: "1", Owner: alice, Side: orderbook.Ask, Price: 100, Quantity: 5},
			{ID: "2", Owner: bob, Side: orderbook.Bid, Price: 100, Quantity: 2},
		},
		[]orderbook.Order{{ID: "3", Owner: bob, Side: orderbook.Bid, Price: 100, Quantity: 3}},
		[]orderbook.Order{{ID: "4", Owner: bob, Side: orderbook.Bid, Price: 98, Quantity: 1}},
	)
}

func TestFollowerAppliesConsecutiveCommitments(t *testing.T) {
	leader := threeBatches(t)
	app := newApp(t)
	fetch := &appFetcher{app: leader}
	f := &follower{app: app, fetch: fetch, adopt: true, log: zap.NewNop().Sugar()}
	ctx := context.Background()

	f.check(ctx, commitmentFor(t, leader, 1), leaderID)
	require.Equal(t, uint64(1), app.Head().Seq)
	f.check(ctx, commitmentFor(t, leader, 2), leaderID)
	require.Equal(t, uint64(2), app.Head().Seq)

	// already applied: checked against the local batch, nothing fetched
	f.check(ctx, commitmentFor(t, leader, 2), leaderID)
	require.Equal(t, []uint64{1, 2}, fetch.fetched)

	f.check(ctx, commitmentFor(t, leader, 3), leaderID)
	require.Equal(t, leader.Head().Digest, app.Head().Digest)
	require.Equal(t, uint64(3), app.Head().Seq)
}

func TestFollowerCatchesUpToCommitment(t *testing.T) {
	leader := threeBatches(t)
	app := newApp(t)
	fetch := &appFetcher{app: leader}
	f := &follower{app: app, fetch: fetch, adopt: true, log: zap.NewNop().Sugar()}

	f.check(context.Background(), commitmentFor(t, leader, 3), leaderID)
	require.Equal(t, []uint64{1, 2, 3}, fetch.fetched)
	require.Equal(t, uint64(3), app.Head().Seq)
	require.Equal(t, leader.Head().Digest, app.Head().Digest)
	require.Len(t, app.Trades(0), 2)
}

func TestFollowerRejectsBadCommitment(t *testing.T) {
	leader := threeBatches(t)
	app := newApp(t)
	fetch := &appFetcher{app: leader}
	f := &follower{app: app, fetch: fetch, adopt: true, log: zap.NewNop().Sugar()}

	c := commitmentFor(t, leader, 2)
	c.Digest = common.HexToHash("0xbad")
	f.check(context.Background(), c, leaderID)

	// batch 1 chains on its own, batch 2 disagrees with what was attested
	require.Equal(t, uint64(1), app.Head().Seq)
	_, err := app.Batch(2)
	require.ErrorIs(t, err, exchange.ErrBatchNotFound)
}

func TestVerifyOnlyNodeDoesNotAdopt(t *testing.T) {
	leader := threeBatches(t)
	app := newApp(t)
	fetch := &appFetcher{app: leader}
	f := &follower{app: app, fetch: fetch, log: zap.NewNop().Sugar()}

	f.check(context.Background(), commitmentFor(t, leader, 1), leaderID)
	require.Zero(t, app.Head().Seq)
	require.Empty(t, fetch.fetched)
}
