package exchange

import (
	"fmt"

	"github.com/uhyunpark/zkbook/pkg/app/core/mempool"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
)

// SubmitSigned authenticates tx and queues its order.
func (a *App) SubmitSigned(tx *transaction.SignedOrder) (mempool.Entry, error) {
	if tx.Order.Market != a.market.Symbol {
		return mempool.Entry{}, &orderbook.ValidationError{
			OrderID: tx.Order.ID,
			Field:   "market",
			Reason:  fmt.Sprintf("unknown market %q", tx.Order.Market),
		}
	}
	o, err := a.verifier.Verify(tx)
	if err != nil {
		return mempool.Entry{}, err
	}
	return a.Submit(o)
}

// Submit queues an already authenticated order. The funds check here is advisory;
// the sequencer reserves funds when the order is actually applied.
func (a *App) Submit(o orderbook.Order) (mempool.Entry, error) {
	if err := o.Validate(); err != nil {
		return mempool.Entry{}, err
	}
	if err := a.market.ValidateOrder(o.Quantity); err != nil {
		return mempool.Entry{}, err
	}

	token, need := settlement.Requirement(o, a.pair)
	a.mu.RLock()
	avail := a.ledger.Available(o.Owner, token)
	a.mu.RUnlock()
	if avail.Lt(need) {
		return mempool.Entry{}, fmt.Errorf("%w: order %s needs %s, %s available", settlement.ErrInsufficientBalance, o.ID, need, avail)
	}

	e, err := a.mempool.Push(o)
	if err != nil {
		return mempool.Entry{}, err
	}
	a.log.Debugw("order_queued", "seq", e.Seq, "id", o.ID, "owner", o.Owner.Hex(), "side", o.Side.String(), "price", o.Price, "qty", o.Quantity)
	return e, nil
}
