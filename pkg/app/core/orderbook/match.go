package orderbook

import "fmt"

// Match applies one incoming order to state and returns the resulting state.
//
// The engine matches only against a resting order priced exactly at the incoming
// price, and consumes at most one resting order per call. Whatever quantity the
// incoming order has left afterwards rests in its own book. Trades execute at the
// incoming price.
//
// Match takes ownership of state: the returned state may share backing arrays with
// it, so callers that need the previous state must Clone it first. On a validation
// error the state is returned unchanged.
func Match(state State, incoming Order) (State, error) {
	if err := validateIncoming(incoming); err != nil {
		return state, err
	}

	opposite := state.book(incoming.Side.Opposite())
	idx, found := findExact(*opposite, incoming.Side.Opposite(), incoming.Price)
	if !found {
		own := state.book(incoming.Side)
		*own = insertOrder(*own, incoming)
		return state, nil
	}

	resting := &(*opposite)[idx]
	qty := min(resting.Quantity, incoming.Quantity)

	state.Trades = append(state.Trades, newTrade(*resting, incoming, qty))

	if resting.Quantity == qty {
		*opposite = removeOrder(*opposite, idx)
	} else {
		resting.Quantity = subSat(resting.Quantity, qty)
	}

	if incoming.Quantity > qty {
		incoming.Quantity = subSat(incoming.Quantity, qty)
		own := state.book(incoming.Side)
		*own = insertOrder(*own, incoming)
	}
	return state, nil
}

// Apply folds orders through Match in sequence. It stops at the first error and
// returns the state reached before the failing order together with its index.
func Apply(state State, orders ...Order) (State, error) {
	for i, o := range orders {
		next, err := Match(state, o)
		if err != nil {
			return state, &ApplyError{Index: i, Err: err}
		}
		state = next
	}
	return state, nil
}

// ApplyError wraps the failure of the order at Index in an Apply call.
type ApplyError struct {
	Index int
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("order %d: %v", e.Index, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func newTrade(resting, incoming Order, qty uint64) Trade {
	t := Trade{
		ID:       resting.ID + "-" + incoming.ID,
		Price:    incoming.Price,
		Quantity: qty,
	}
	if incoming.Side == Ask {
		t.AskOrder, t.BidOrder = incoming, resting
	} else {
		t.AskOrder, t.BidOrder = resting, incoming
	}
	return t
}
