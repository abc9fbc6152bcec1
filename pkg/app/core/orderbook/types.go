package orderbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Side of the book an order rests on.
// Zero is not a valid side so an unset field is caught by validation.
type Side uint8

const (
	Bid Side = 1
	Ask Side = 2
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// ParseSide accepts "bid"/"buy" and "ask"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "BID", "Bid", "buy", "BUY", "Buy":
		return Bid, nil
	case "ask", "ASK", "Ask", "sell", "SELL", "Sell":
		return Ask, nil
	}
	return 0, &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s)}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Bid && s != Ask {
		return nil, fmt.Errorf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a limit order. Price is in integer quote ticks per base lot, Quantity in lots.
// IDs are assigned by the caller; uniqueness is not enforced.
type Order struct {
	ID       string         `json:"id"`
	Owner    common.Address `json:"owner"`
	Side     Side           `json:"side"`
	Price    uint64         `json:"price"`
	Quantity uint64         `json:"quantity"`
}

// Trade records one execution. AskOrder and BidOrder are snapshots taken before
// either quantity was reduced by this trade.
type Trade struct {
	ID       string `json:"id"`
	AskOrder Order  `json:"ask_order"`
	BidOrder Order  `json:"bid_order"`
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
}

// State is the full matching state: both books plus the append-only trade log.
//
// PendingBidOrders is sorted by price descending, PendingAskOrders ascending.
// Orders at equal price keep arrival order.
type State struct {
	PendingBidOrders []Order `json:"pending_bid_orders"`
	PendingAskOrders []Order `json:"pending_ask_orders"`
	Trades           []Trade `json:"trades"`
}

// NewState returns an empty state with non-nil slices, so that an empty state
// encodes identically whether it was created here or decoded.
func NewState() State {
	return State{
		PendingBidOrders: []Order{},
		PendingAskOrders: []Order{},
		Trades:           []Trade{},
	}
}

// Clone returns a deep copy that shares no backing arrays with s.
func (s State) Clone() State {
	out := State{
		PendingBidOrders: make([]Order, len(s.PendingBidOrders)),
		PendingAskOrders: make([]Order, len(s.PendingAskOrders)),
		Trades:           make([]Trade, len(s.Trades)),
	}
	copy(out.PendingBidOrders, s.PendingBidOrders)
	copy(out.PendingAskOrders, s.PendingAskOrders)
	copy(out.Trades, s.Trades)
	return out
}

// book returns a pointer to the book holding orders of the given side.
func (s *State) book(side Side) *[]Order {
	if side == Bid {
		return &s.PendingBidOrders
	}
	return &s.PendingAskOrders
}

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
	Orders   int    `json:"orders"`
}

// BidLevels returns bid levels best (highest) first.
func (s State) BidLevels() []PriceLevel { return levels(s.PendingBidOrders) }

// AskLevels returns ask levels best (lowest) first.
func (s State) AskLevels() []PriceLevel { return levels(s.PendingAskOrders) }

// levels relies on the book already being sorted, so equal prices are adjacent.
func levels(book []Order) []PriceLevel {
	out := make([]PriceLevel, 0)
	for _, o := range book {
		n := len(out)
		if n > 0 && out[n-1].Price == o.Price {
			out[n-1].Quantity = addSat(out[n-1].Quantity, o.Quantity)
			out[n-1].Orders++
			continue
		}
		out = append(out, PriceLevel{Price: o.Price, Quantity: o.Quantity, Orders: 1})
	}
	return out
}

// Validate checks the book invariants: every resting order has the right side,
// a positive price and quantity, and each book is sorted in its direction.
// Used on states received from outside the engine.
func (s State) Validate() error {
	check := func(side Side, book []Order) error {
		for i, o := range book {
			if o.Side != side {
				return fmt.Errorf("%s book[%d] (%s): side is %s", side, i, o.ID, o.Side)
			}
			if o.Quantity == 0 || o.Price == 0 {
				return fmt.Errorf("%s book[%d] (%s): zero price or quantity", side, i, o.ID)
			}
			if i > 0 && better(side, o.Price, book[i-1].Price) {
				return fmt.Errorf("%s book[%d] (%s): out of price order", side, i, o.ID)
			}
		}
		return nil
	}
	if err := check(Bid, s.PendingBidOrders); err != nil {
		return err
	}
	return check(Ask, s.PendingAskOrders)
}
