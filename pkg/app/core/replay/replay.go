// Package replay re-executes a sequence of orders from a known state and checks the
// result against a claimed final state. It is what an external prover runs.
package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
)

// Input is the (initial, orders, expected) triple. Expected may be omitted when
// only executing.
type Input struct {
	Initial  orderbook.State   `json:"initial"`
	Orders   []orderbook.Order `json:"orders"`
	Expected *orderbook.State  `json:"expected,omitempty"`
}

// Report describes one execution.
type Report struct {
	Final         orderbook.State
	Digest        common.Hash
	OrdersApplied int
	TradesAdded   int
}

// Encode returns the canonical byte encoding of s. Nil and empty books encode alike.
func Encode(s orderbook.State) ([]byte, error) {
	return rlp.EncodeToBytes(&s)
}

// Digest is keccak256 of Encode(s).
func Digest(s orderbook.State) (common.Hash, error) {
	b, err := Encode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode state: %w", err)
	}
	return crypto.Keccak256Hash(b), nil
}

// Replay folds orders through Match starting from a copy of initial.
func Replay(initial orderbook.State, orders []orderbook.Order) (Report, error) {
	if err := initial.Validate(); err != nil {
		return Report{}, fmt.Errorf("initial state: %w", err)
	}
	final, err := orderbook.Apply(initial.Clone(), orders...)
	if err != nil {
		return Report{}, err
	}
	d, err := Digest(final)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Final:         final,
		Digest:        d,
		OrdersApplied: len(orders),
		TradesAdded:   len(final.Trades) - len(initial.Trades),
	}, nil
}

// Verify replays orders and reports whether the result equals expected.
// A rejected order is an error, not a mismatch.
func Verify(initial orderbook.State, orders []orderbook.Order, expected orderbook.State) (bool, error) {
	r, err := Replay(initial, orders)
	if err != nil {
		return false, err
	}
	want, err := Digest(expected)
	if err != nil {
		return false, err
	}
	return r.Digest == want, nil
}

// LoadInput reads a JSON Input from path.
func LoadInput(path string) (*Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode input %s: %w", path, err)
	}
	return &in, nil
}
