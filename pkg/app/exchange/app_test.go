package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/zkbook/pkg/app/core/market"
	"github.com/uhyunpark/zkbook/pkg/app/core/merkle"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/replay"
	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
	"github.com/uhyunpark/zkbook/pkg/crypto"
	"github.com/uhyunpark/zkbook/pkg/storage"
	"github.com/uhyunpark/zkbook/pkg/util"
)

var (
	baseToken  = common.HexToAddress("0x00000000000000000000000000000000000000e7")
	quoteToken = common.HexToAddress("0x0000000000000000000000000000000000000005")
	domain     = crypto.DefaultDomain()
)

type harness struct {
	app   *exchange.App
	store *storage.InMemoryStore
	clock *util.ManualClock
}

func newHarness(t *testing.T, store *storage.InMemoryStore) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewInMemoryStore()
	}
	m, err := market.New("ETH-USDC", baseToken, quoteToken)
	require.NoError(t, err)
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	app, err := exchange.New(exchange.Config{BatchInterval: time.Second}, m, exchange.Deps{
		Verifier: transaction.NewVerifier(domain),
		Store:    store,
		Journal:  storage.NewNopWAL(),
		Clock:    clock,
	})
	require.NoError(t, err)
	return &harness{app: app, store: store, clock: clock}
}

func newTrader(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	return s
}

func (h *harness) fund(t *testing.T, s *crypto.Signer, base, quote uint64) {
	t.Helper()
	if base > 0 {
		_, err := h.app.Deposit(s.Address(), baseToken, uint256.NewInt(base))
		require.NoError(t, err)
	}
	if quote > 0 {
		_, err := h.app.Deposit(s.Address(), quoteToken, uint256.NewInt(quote))
		require.NoError(t, err)
	}
}

func (h *harness) submit(t *testing.T, s *crypto.Signer, id string, side orderbook.Side, price, qty uint64) {
	t.Helper()
	tx, err := transaction.Sign(domain, s, transaction.OrderPayload{
		ID: id, Market: "ETH-USDC", Side: side, Price: price, Quantity: qty, Nonce: 1,
	})
	require.NoError(t, err)
	_, err = h.app.SubmitSigned(tx)
	require.NoError(t, err)
}

func TestProcessBatchMatchesAndSettles(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := newTrader(t), newTrader(t)
	h.fund(t, alice, 10, 0)
	h.fund(t, bob, 0, 1_000)

	var trades []orderbook.Trade
	var batches []exchange.Batch
	h.app.OnTrade(func(tr orderbook.Trade) { trades = append(trades, tr) })
	h.app.OnBatch(func(b exchange.Batch) { batches = append(batches, b) })

	genesis := h.app.Head()
	h.submit(t, alice, "a1", orderbook.Ask, 100, 6)
	h.submit(t, bob, "b1", orderbook.Bid, 100, 4)
	require.Equal(t, 2, h.app.PendingOrders())

	b, err := h.app.ProcessBatch()
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, uint64(1), b.Seq)
	require.Equal(t, genesis.Digest, b.PrevDigest)
	require.Len(t, b.Orders, 2)
	require.Empty(t, b.Rejected)
	require.Zero(t, h.app.PendingOrders())

	require.Len(t, trades, 1)
	require.Equal(t, "a1-b1", trades[0].ID)
	require.Equal(t, uint64(4), trades[0].Quantity)
	require.Len(t, batches, 1)

	total, avail := h.app.Balance(alice.Address(), baseToken)
	require.Equal(t, uint64(6), total.Uint64())
	require.Equal(t, uint64(4), avail.Uint64()) // 2 still resting
	total, _ = h.app.Balance(alice.Address(), quoteToken)
	require.Equal(t, uint64(400), total.Uint64())
	total, _ = h.app.Balance(bob.Address(), baseToken)
	require.Equal(t, uint64(4), total.Uint64())
	total, avail = h.app.Balance(bob.Address(), quoteToken)
	require.Equal(t, uint64(600), total.Uint64())
	require.Equal(t, uint64(600), avail.Uint64())

	head := h.app.Head()
	require.Equal(t, b.Digest, head.Digest)
	require.Equal(t, b.BalanceRoot, head.BalanceRoot)

	bids, asks := h.app.Levels()
	require.Empty(t, bids)
	require.Equal(t, []orderbook.PriceLevel{{Price: 100, Quantity: 2, Orders: 1}}, asks)
}

func TestBatchReplaysToDigest(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := newTrader(t), newTrader(t)
	h.fund(t, alice, 100, 100_000)
	h.fund(t, bob, 100, 100_000)

	h.submit(t, alice, "1", orderbook.Ask, 101, 5)
	h.submit(t, bob, "2", orderbook.Bid, 99, 5)
	_, err := h.app.ProcessBatch()
	require.NoError(t, err)
	h.submit(t, bob, "3", orderbook.Bid, 101, 3)
	h.submit(t, alice, "4", orderbook.Ask, 99, 7)
	_, err = h.app.ProcessBatch()
	require.NoError(t, err)

	state := orderbook.NewState()
	var prev common.Hash
	for seq := uint64(1); seq <= 2; seq++ {
		b, err := h.app.Batch(seq)
		require.NoError(t, err)
		d, err := replay.Digest(state)
		require.NoError(t, err)
		require.Equal(t, d, b.PrevDigest)
		if seq > 1 {
			require.Equal(t, prev, b.PrevDigest)
		}
		rep, err := replay.Replay(state, b.Orders)
		require.NoError(t, err)
		require.Equal(t, b.Digest, rep.Digest)
		state, prev = rep.Final, b.Digest
	}

	ok, err := replay.Verify(orderbook.NewState(), append(mustBatch(t, h, 1).Orders, mustBatch(t, h, 2).Orders...), h.app.State())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, h.app.Trades(0), 2)
	require.Equal(t, "2-4", h.app.Trades(1)[0].ID)
	require.Equal(t, "1-3", h.app.Trades(0)[1].ID)
}

func mustBatch(t *testing.T, h *harness, seq uint64) exchange.Batch {
	t.Helper()
	b, err := h.app.Batch(seq)
	require.NoError(t, err)
	return b
}

func TestRejectionsLeaveNoTrace(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := newTrader(t), newTrader(t)
	h.fund(t, alice, 5, 0)
	h.fund(t, bob, 0, 500)

	h.submit(t, alice, "a1", orderbook.Ask, 100, 5)
	h.submit(t, bob, "b1", orderbook.Bid, 100, 5)
	// admitted while funds looked free, rejected once a1 holds the reservation
	h.submit(t, alice, "a2", orderbook.Ask, 100, 5)

	b, err := h.app.ProcessBatch()
	require.NoError(t, err)
	require.Len(t, b.Orders, 2)
	require.Len(t, b.Rejected, 1)
	require.Equal(t, "a2", b.Rejected[0].OrderID)
	require.Equal(t, uint64(3), b.Rejected[0].Seq)

	ok, err := replay.Verify(orderbook.NewState(), b.Orders, h.app.State())
	require.NoError(t, err)
	require.True(t, ok)

	_, avail := h.app.Balance(alice.Address(), baseToken)
	require.True(t, avail.IsZero())
}

func TestSubmitErrors(t *testing.T) {
	h := newHarness(t, nil)
	alice, mallory := newTrader(t), newTrader(t)
	h.fund(t, alice, 0, 100)

	tx, err := transaction.Sign(domain, alice, transaction.OrderPayload{
		ID: "x", Market: "BTC-USDC", Side: orderbook.Bid, Price: 1, Quantity: 1, Nonce: 1,
	})
	require.NoError(t, err)
	_, err = h.app.SubmitSigned(tx)
	var verr *orderbook.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "market", verr.Field)

	tx, err = transaction.Sign(domain, alice, transaction.OrderPayload{
		ID: "x", Market: "ETH-USDC", Side: orderbook.Bid, Price: 1, Quantity: 1, Nonce: 1,
	})
	require.NoError(t, err)
	tx.Order.Owner = mallory.Address().Hex()
	_, err = h.app.SubmitSigned(tx)
	require.ErrorIs(t, err, transaction.ErrBadSignature)

	_, err = h.app.Submit(orderbook.Order{ID: "y", Owner: alice.Address(), Side: orderbook.Bid, Price: 0, Quantity: 1})
	require.ErrorAs(t, err, &verr)

	_, err = h.app.Submit(orderbook.Order{ID: "z", Owner: alice.Address(), Side: orderbook.Bid, Price: 11, Quantity: 10})
	require.ErrorIs(t, err, settlement.ErrInsufficientBalance)

	require.NoError(t, h.app.Market().SetStatus(market.Paused))
	_, err = h.app.Submit(orderbook.Order{ID: "w", Owner: alice.Address(), Side: orderbook.Bid, Price: 1, Quantity: 1})
	require.ErrorIs(t, err, market.ErrMarketPaused)
	require.Zero(t, h.app.PendingOrders())
}

func TestPausedMarketRejectsQueuedOrders(t *testing.T) {
	h := newHarness(t, nil)
	alice := newTrader(t)
	h.fund(t, alice, 0, 100)
	h.submit(t, alice, "a", orderbook.Bid, 10, 1)
	require.NoError(t, h.app.Market().SetStatus(market.Paused))

	b, err := h.app.ProcessBatch()
	require.NoError(t, err)
	require.Empty(t, b.Orders)
	require.Len(t, b.Rejected, 1)
	_, avail := h.app.Balance(alice.Address(), quoteToken)
	require.Equal(t, uint64(100), avail.Uint64())
}

func TestEmptyBatch(t *testing.T) {
	h := newHarness(t, nil)
	b, err := h.app.ProcessBatch()
	require.NoError(t, err)
	require.Nil(t, b)
	_, err = h.app.Batch(1)
	require.ErrorIs(t, err, exchange.ErrBatchNotFound)
}

func TestDepositWithdrawAndProofs(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := newTrader(t), newTrader(t)
	empty := h.app.Head().BalanceRoot

	bal, err := h.app.Deposit(alice.Address(), quoteToken, uint256.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, uint64(500), bal.Balance.Uint64())
	root1 := h.app.Head().BalanceRoot
	require.NotEqual(t, empty, root1)

	h.fund(t, bob, 7, 0)
	proof, root := h.app.Proof(alice.Address(), quoteToken)
	require.Equal(t, h.app.Head().BalanceRoot, root)
	require.True(t, proof.Included)
	require.True(t, merkle.VerifyProof(root, proof.Siblings, alice.Address(), quoteToken, uint256.NewInt(500)))
	require.False(t, merkle.VerifyProof(root, proof.Siblings, alice.Address(), quoteToken, uint256.NewInt(501)))

	_, err = h.app.Withdraw(alice.Address(), quoteToken, uint256.NewInt(501))
	require.ErrorIs(t, err, settlement.ErrInsufficientBalance)
	_, err = h.app.Withdraw(alice.Address(), quoteToken, uint256.NewInt(200))
	require.NoError(t, err)
	proof, root = h.app.Proof(alice.Address(), quoteToken)
	require.True(t, proof.Verify(root, alice.Address(), quoteToken))
	require.Equal(t, uint64(300), proof.Value.Uint64())

	_, err = h.app.Deposit(alice.Address(), common.HexToAddress("0xdead"), uint256.NewInt(1))
	require.ErrorIs(t, err, exchange.ErrUnknownToken)
	_, err = h.app.Deposit(alice.Address(), baseToken, new(uint256.Int))
	require.ErrorIs(t, err, settlement.ErrZeroAmount)
}

func TestRecoverFromStore(t *testing.T) {
	store := storage.NewInMemoryStore()
	h := newHarness(t, store)
	alice, bob := newTrader(t), newTrader(t)
	h.fund(t, alice, 10, 0)
	h.fund(t, bob, 0, 1_000)
	h.submit(t, alice, "a1", orderbook.Ask, 100, 6)
	h.submit(t, bob, "b1", orderbook.Bid, 100, 4)
	_, err := h.app.ProcessBatch()
	require.NoError(t, err)
	want := h.app.Head()

	restarted := newHarness(t, store)
	require.Equal(t, want, restarted.app.Head())
	require.Equal(t, h.app.State(), restarted.app.State())
	_, avail := restarted.app.Balance(alice.Address(), baseToken)
	require.Equal(t, uint64(4), avail.Uint64())

	// the restored reservation still settles
	restarted.submit(t, bob, "b2", orderbook.Bid, 100, 2)
	b, err := restarted.app.ProcessBatch()
	require.NoError(t, err)
	require.Equal(t, uint64(2), b.Seq)
	require.Equal(t, want.Digest, b.PrevDigest)
	total, _ := restarted.app.Balance(alice.Address(), baseToken)
	require.Equal(t, uint64(4), total.Uint64())
}

type failingStore struct {
	*storage.InMemoryStore
	fail        bool
	failBatches int
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) SaveBatch(b exchange.Batch, snap exchange.Snapshot, a []settlement.Account) error {
	if f.failBatches > 0 {
		f.failBatches--
		return errDiskFull
	}
	return f.InMemoryStore.SaveBatch(b, snap, a)
}

func (f *failingStore) SaveAccounts(a []settlement.Account) error {
	if f.fail {
		return errDiskFull
	}
	return f.InMemoryStore.SaveAccounts(a)
}

func TestDepositRollsBackOnStoreFailure(t *testing.T) {
	store := &failingStore{InMemoryStore: storage.NewInMemoryStore()}
	m, err := market.New("ETH-USDC", baseToken, quoteToken)
	require.NoError(t, err)
	app, err := exchange.New(exchange.Config{}, m, exchange.Deps{Verifier: transaction.NewVerifier(domain), Store: store})
	require.NoError(t, err)

	owner := common.HexToAddress("0x01")
	_, err = app.Deposit(owner, baseToken, uint256.NewInt(5))
	require.NoError(t, err)
	root := app.Head().BalanceRoot

	store.fail = true
	_, err = app.Deposit(owner, baseToken, uint256.NewInt(5))
	require.ErrorIs(t, err, errDiskFull)
	total, _ := app.Balance(owner, baseToken)
	require.Equal(t, uint64(5), total.Uint64())
	require.Equal(t, root, app.Head().BalanceRoot)
}

func TestRunSequencesOnInterval(t *testing.T) {
	h := newHarness(t, nil)
	alice := newTrader(t)
	h.fund(t, alice, 0, 100)
	h.submit(t, alice, "a", orderbook.Bid, 10, 1)

	var mu sync.Mutex
	var seqs []uint64
	h.app.OnBatch(func(b exchange.Batch) {
		mu.Lock()
		seqs = append(seqs, b.Seq)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, time.Second, time.Millisecond)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, uint64(1), h.app.Head().Seq)
}

func TestFailedBatchLeavesAppUnchanged(t *testing.T) {
	store := &failingStore{InMemoryStore: storage.NewInMemoryStore()}
	m, err := market.New("ETH-USDC", baseToken, quoteToken)
	require.NoError(t, err)
	app, err := exchange.New(exchange.Config{}, m, exchange.Deps{Verifier: transaction.NewVerifier(domain), Store: store})
	require.NoError(t, err)

	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb0")
	_, err = app.Deposit(bob, baseToken, uint256.NewInt(10))
	require.NoError(t, err)
	_, err = app.Deposit(alice, quoteToken, uint256.NewInt(1_000))
	require.NoError(t, err)
	genesis := app.Head()

	_, err = app.Submit(orderbook.Order{ID: "1", Owner: bob, Side: orderbook.Ask, Price: 100, Quantity: 5})
	require.NoError(t, err)

	store.failBatches = 1
	_, err = app.ProcessBatch()
	require.ErrorIs(t, err, errDiskFull)

	require.Equal(t, genesis, app.Head())
	require.Empty(t, app.State().PendingAskOrders)
	require.Equal(t, 1, app.PendingOrders())
	_, avail := app.Balance(bob, baseToken)
	require.Equal(t, uint64(10), avail.Uint64())
	_, ok, err := store.LoadBatch(1)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = app.Submit(orderbook.Order{ID: "2", Owner: alice, Side: orderbook.Bid, Price: 100, Quantity: 5})
	require.NoError(t, err)
	b, err := app.ProcessBatch()
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Seq)
	require.Equal(t, genesis.Digest, b.PrevDigest)
	require.Equal(t, []string{"1", "2"}, []string{b.Orders[0].ID, b.Orders[1].ID})

	rep, err := replay.Replay(orderbook.NewState(), b.Orders)
	require.NoError(t, err)
	require.Equal(t, b.Digest, rep.Digest)
	require.Len(t, app.Trades(0), 1)
	total, _ := app.Balance(bob, quoteToken)
	require.Equal(t, uint64(500), total.Uint64())
}

func TestApplyBatchFollowsSequencer(t *testing.T) {
	leader := newHarness(t, nil)
	alice, bob := newTrader(t), newTrader(t)
	leader.fund(t, alice, 100, 100_000)
	leader.fund(t, bob, 100, 100_000)
	leader.submit(t, alice, "1", orderbook.Ask, 101, 5)
	leader.submit(t, bob, "2", orderbook.Bid, 101, 3)
	_, err := leader.app.ProcessBatch()
	require.NoError(t, err)
	leader.submit(t, bob, "3", orderbook.Bid, 99, 4)
	leader.submit(t, alice, "4", orderbook.Ask, 101, 1)
	_, err = leader.app.ProcessBatch()
	require.NoError(t, err)

	follower := newHarness(t, nil)
	var applied []uint64
	var trades []string
	follower.app.OnBatch(func(b exchange.Batch) { applied = append(applied, b.Seq) })
	follower.app.OnTrade(func(tr orderbook.Trade) { trades = append(trades, tr.ID) })

	second := mustBatch(t, leader, 2)
	require.ErrorIs(t, follower.app.ApplyBatch(second), exchange.ErrBatchOutOfOrder)

	first := mustBatch(t, leader, 1)
	forged := first
	forged.Digest = common.HexToHash("0xbad")
	require.ErrorIs(t, follower.app.ApplyBatch(forged), exchange.ErrDigestMismatch)
	require.Zero(t, follower.app.Head().Seq)

	require.NoError(t, follower.app.ApplyBatch(first))
	require.NoError(t, follower.app.ApplyBatch(second))
	require.ErrorIs(t, follower.app.ApplyBatch(second), exchange.ErrBatchOutOfOrder)

	head := follower.app.Head()
	require.Equal(t, uint64(2), head.Seq)
	require.Equal(t, leader.app.Head().Digest, head.Digest)
	want, err := replay.Digest(leader.app.State())
	require.NoError(t, err)
	got, err := replay.Digest(follower.app.State())
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, []uint64{1, 2}, applied)
	require.Equal(t, []string{"1-2"}, trades)

	stored := mustBatch(t, follower, 2)
	require.Equal(t, second.Digest, stored.Digest)

	restarted := newHarness(t, follower.store)
	require.Equal(t, head.Digest, restarted.app.Head().Digest)
	require.Equal(t, uint64(2), restarted.app.Head().Seq)
}

func TestDepositsDuringBatchesAreKept(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := newTrader(t), newTrader(t)
	h.fund(t, alice, 1_000, 0)
	h.fund(t, bob, 0, 1_000_000)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := h.app.Deposit(bob.Address(), quoteToken, uint256.NewInt(1)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for i := 0; i < 20; i++ {
		h.submit(t, alice, fmt.Sprintf("a%d", i), orderbook.Ask, 10, 1)
		h.submit(t, bob, fmt.Sprintf("b%d", i), orderbook.Bid, 10, 1)
		_, err := h.app.ProcessBatch()
		require.NoError(t, err)
	}
	wg.Wait()

	total, _ := h.app.Balance(bob.Address(), quoteToken)
	require.Equal(t, uint64(1_000_000+200-20*10), total.Uint64())
	proof, root := h.app.Proof(bob.Address(), quoteToken)
	require.True(t, proof.Verify(root, bob.Address(), quoteToken))
	require.Equal(t, total.Uint64(), proof.Value.Uint64())
}
