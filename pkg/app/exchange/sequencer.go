package exchange

import (
	"context"
	"fmt"
	"slices"

	"github.com/uhyunpark/zkbook/pkg/app/core/merkle"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/replay"
	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
)

// Run sequences a batch every BatchInterval until ctx is done. A batch that cannot
// be persisted stops the loop.
func (a *App) Run(ctx context.Context) error {
	a.log.Infow("sequencer_started", "interval", a.cfg.BatchInterval.String(), "max_orders", a.cfg.MaxBatchOrders)
	for {
		select {
		case <-ctx.Done():
			a.log.Infow("sequencer_stopped", "seq", a.Head().Seq, "pending", a.mempool.Len())
			return ctx.Err()
		case <-a.clock.After(a.cfg.BatchInterval):
			if _, err := a.ProcessBatch(); err != nil {
				a.log.Errorw("batch_failed", "err", err)
				return err
			}
		}
	}
}

// ProcessBatch drains the mempool into one batch. It returns nil when nothing was queued.
//
// The batch is built on copies of the state, ledger and tree and only swapped in
// once it is persisted. If persisting fails the App is unchanged and the orders go
// back to the head of the mempool.
func (a *App) ProcessBatch() (*Batch, error) {
	entries := a.mempool.Select(a.cfg.MaxBatchOrders)
	if len(entries) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	b := Batch{
		Seq:        a.head.Seq + 1,
		Time:       uint64(a.clock.Now().UnixMilli()),
		PrevDigest: a.head.Digest,
		Orders:     make([]orderbook.Order, 0, len(entries)),
	}
	// Clip makes appends to Trades reallocate rather than write into a.state.
	state := orderbook.State{
		PendingBidOrders: slices.Clone(a.state.PendingBidOrders),
		PendingAskOrders: slices.Clone(a.state.PendingAskOrders),
		Trades:           slices.Clip(a.state.Trades),
	}
	ledger := a.ledger.Clone()
	firstTrade := len(state.Trades)

	var updates []merkle.Balance
	for _, e := range entries {
		ups, err := a.apply(&state, ledger, e.Order)
		if err != nil {
			b.Rejected = append(b.Rejected, Rejection{Seq: e.Seq, OrderID: e.Order.ID, Reason: err.Error()})
			continue
		}
		b.Orders = append(b.Orders, e.Order)
		updates = append(updates, ups...)
	}
	tree := a.tree.Clone()
	tree.BatchUpdate(updates)

	digest, err := replay.Digest(state)
	if err != nil {
		a.mu.Unlock()
		a.mempool.Requeue(entries)
		return nil, fmt.Errorf("batch %d: %w", b.Seq, err)
	}
	b.Digest = digest
	b.BalanceRoot = tree.Root()

	snap := Snapshot{Seq: b.Seq, Digest: digest, State: state}
	if err := a.store.SaveBatch(b, snap, ledger.Accounts()); err != nil {
		a.mu.Unlock()
		a.mempool.Requeue(entries)
		return nil, fmt.Errorf("persist batch %d: %w", b.Seq, err)
	}
	a.state, a.ledger, a.tree = state, ledger, tree
	a.head = Head{Seq: b.Seq, Digest: b.Digest, BalanceRoot: b.BalanceRoot}
	trades := slices.Clone(state.Trades[firstTrade:])
	a.mu.Unlock()

	a.record("batch", b)
	a.log.Infow("batch_committed",
		"seq", b.Seq,
		"orders", len(b.Orders),
		"rejected", len(b.Rejected),
		"trades", len(trades),
		"digest", b.Digest.Hex(),
		"balance_root", b.BalanceRoot.Hex(),
	)
	for _, r := range b.Rejected {
		a.log.Debugw("order_rejected", "seq", r.Seq, "id", r.OrderID, "reason", r.Reason)
	}
	a.notify(b, trades)
	return &b, nil
}

func (a *App) notify(b Batch, trades []orderbook.Trade) {
	a.hookMu.RLock()
	defer a.hookMu.RUnlock()
	for _, t := range trades {
		for _, fn := range a.onTrade {
			fn(t)
		}
	}
	for _, fn := range a.onBatch {
		fn(b)
	}
}

// apply reserves funds, matches and settles one order against the staged state
// and ledger. On error neither changes.
func (a *App) apply(state *orderbook.State, ledger *settlement.Ledger, o orderbook.Order) ([]merkle.Balance, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if err := a.market.ValidateOrder(o.Quantity); err != nil {
		return nil, err
	}
	if err := ledger.Reserve(o, a.pair); err != nil {
		return nil, err
	}

	trial := orderbook.State{
		PendingBidOrders: slices.Clone(state.PendingBidOrders),
		PendingAskOrders: slices.Clone(state.PendingAskOrders),
	}
	trial, err := orderbook.Match(trial, o)
	if err != nil {
		ledger.Release(o, a.pair)
		return nil, err
	}

	var updates []merkle.Balance
	for _, t := range trial.Trades {
		ups, err := ledger.Settle(t, a.pair)
		if err != nil {
			ledger.Release(o, a.pair)
			return nil, err
		}
		updates = append(updates, ups...)
	}

	state.PendingBidOrders = trial.PendingBidOrders
	state.PendingAskOrders = trial.PendingAskOrders
	state.Trades = append(state.Trades, trial.Trades...)
	return updates, nil
}

// ApplyBatch adopts a batch sequenced by another node. The batch must extend the
// current head and its orders must replay to its digest. Only the matching state
// follows the batch: funding is not part of a batch, so the ledger and the balance
// tree keep their local values.
func (a *App) ApplyBatch(b Batch) error {
	a.mu.Lock()
	if b.Seq != a.head.Seq+1 {
		a.mu.Unlock()
		return fmt.Errorf("%w: batch %d on head %d", ErrBatchOutOfOrder, b.Seq, a.head.Seq)
	}
	if b.PrevDigest != a.head.Digest {
		a.mu.Unlock()
		return fmt.Errorf("%w: batch %d extends %s, head is %s", ErrDigestMismatch, b.Seq, b.PrevDigest.Hex(), a.head.Digest.Hex())
	}
	rep, err := replay.Replay(a.state, b.Orders)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("replay batch %d: %w", b.Seq, err)
	}
	if rep.Digest != b.Digest {
		a.mu.Unlock()
		return fmt.Errorf("%w: batch %d commits %s, replayed %s", ErrDigestMismatch, b.Seq, b.Digest.Hex(), rep.Digest.Hex())
	}

	snap := Snapshot{Seq: b.Seq, Digest: b.Digest, State: rep.Final}
	if err := a.store.SaveBatch(b, snap, nil); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("persist batch %d: %w", b.Seq, err)
	}
	firstTrade := len(a.state.Trades)
	a.state = rep.Final
	a.head.Seq, a.head.Digest = b.Seq, b.Digest
	trades := slices.Clone(rep.Final.Trades[firstTrade:])
	a.mu.Unlock()

	a.record("batch", b)
	a.log.Infow("batch_applied", "seq", b.Seq, "orders", len(b.Orders), "trades", len(trades), "digest", b.Digest.Hex())
	a.notify(b, trades)
	return nil
}
