// Package exchange drives the matching engine and the balance commitment tree.
//
// The App owns the order book state, the settlement ledger and the tree behind one
// lock. Orders are admitted into a FIFO mempool and applied by a single sequencer in
// admission order; every batch is persisted with the digests a prover replays.
package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/zkbook/pkg/app/core/market"
	"github.com/uhyunpark/zkbook/pkg/app/core/mempool"
	"github.com/uhyunpark/zkbook/pkg/app/core/merkle"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/replay"
	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
	"github.com/uhyunpark/zkbook/pkg/util"
)

type Config struct {
	BatchInterval   time.Duration
	MaxBatchOrders  int // 0 drains the whole mempool
	MempoolCapacity int // 0 is unbounded
}

// Deps are the App's collaborators. Journal, Clock and Logger are optional.
type Deps struct {
	Verifier *transaction.Verifier
	Store    Store
	Journal  Journal
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

type App struct {
	cfg      Config
	market   *market.Market
	pair     settlement.Pair
	verifier *transaction.Verifier
	store    Store
	journal  Journal
	clock    util.Clock
	log      *zap.SugaredLogger
	mempool  *mempool.Mempool

	mu     sync.RWMutex
	state  orderbook.State
	ledger *settlement.Ledger
	tree   *merkle.Tree
	head   Head

	hookMu  sync.RWMutex
	onTrade []func(orderbook.Trade)
	onBatch []func(Batch)
}

// New builds an App and restores the latest snapshot and ledger from the store.
func New(cfg Config, m *market.Market, deps Deps) (*App, error) {
	if deps.Store == nil || deps.Verifier == nil {
		return nil, fmt.Errorf("exchange: store and verifier are required")
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	a := &App{
		cfg:      cfg,
		market:   m,
		pair:     settlement.Pair{Base: m.BaseToken, Quote: m.QuoteToken},
		verifier: deps.Verifier,
		store:    deps.Store,
		journal:  deps.Journal,
		clock:    deps.Clock,
		log:      deps.Logger,
		mempool:  mempool.NewMempool(cfg.MempoolCapacity),
		state:    orderbook.NewState(),
		ledger:   settlement.NewLedger(),
		tree:     merkle.New(),
	}
	if err := a.recover(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) recover() error {
	snap, ok, err := a.store.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		d, err := replay.Digest(snap.State)
		if err != nil {
			return err
		}
		if d != snap.Digest {
			return fmt.Errorf("snapshot %d digest mismatch: stored %s, computed %s", snap.Seq, snap.Digest.Hex(), d.Hex())
		}
		a.state = snap.State
		a.head.Seq = snap.Seq
		a.head.Digest = snap.Digest
	} else {
		a.head.Digest, err = replay.Digest(a.state)
		if err != nil {
			return err
		}
	}

	accounts, err := a.store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if err := a.ledger.Load(accounts); err != nil {
		return err
	}
	a.tree.BatchUpdate(a.ledger.Balances())
	a.head.BalanceRoot = a.tree.Root()

	a.log.Infow("exchange_restored",
		"seq", a.head.Seq,
		"digest", a.head.Digest.Hex(),
		"balance_root", a.head.BalanceRoot.Hex(),
		"accounts", len(accounts),
	)
	return nil
}

// OnTrade registers fn to be called for every trade after its batch commits.
func (a *App) OnTrade(fn func(orderbook.Trade)) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.onTrade = append(a.onTrade, fn)
}

// OnBatch registers fn to be called after each batch commits.
func (a *App) OnBatch(fn func(Batch)) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.onBatch = append(a.onBatch, fn)
}

func (a *App) Market() *market.Market { return a.market }

func (a *App) Head() Head {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.head
}

// State returns a copy of the current matching state.
func (a *App) State() orderbook.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

func (a *App) Levels() (bids, asks []orderbook.PriceLevel) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.BidLevels(), a.state.AskLevels()
}

// Trades returns up to limit trades, newest first. limit <= 0 returns all.
func (a *App) Trades(limit int) []orderbook.Trade {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.state.Trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]orderbook.Trade, 0, n)
	for i := len(a.state.Trades) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.state.Trades[i])
	}
	return out
}

// Balance returns the committed balance and the part not reserved by resting orders.
func (a *App) Balance(owner, token common.Address) (total, available *uint256.Int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ledger.Balance(owner, token), a.ledger.Available(owner, token)
}

// Proof returns an inclusion proof against the current balance root.
func (a *App) Proof(owner, token common.Address) (merkle.Proof, common.Hash) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tree.GenerateProof(owner, token), a.tree.Root()
}

func (a *App) PendingOrders() int { return a.mempool.Len() }

func (a *App) Batch(seq uint64) (Batch, error) {
	b, ok, err := a.store.LoadBatch(seq)
	if err != nil {
		return Batch{}, err
	}
	if !ok {
		return Batch{}, fmt.Errorf("%w: %d", ErrBatchNotFound, seq)
	}
	return b, nil
}

func (a *App) record(kind string, v any) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Append(kind, v); err != nil {
		a.log.Warnw("journal_append_failed", "kind", kind, "err", err)
	}
}
