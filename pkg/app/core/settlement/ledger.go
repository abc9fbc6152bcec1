// Package settlement keeps the spot balance ledger behind the commitment tree.
//
// Every order reserves what it could pay: a bid locks price*quantity of the quote
// token, an ask locks quantity of the base token. Matching is exact-price, so a fill
// consumes precisely the reserved amount and settlement never has to re-check a
// resting order's funds.
package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/zkbook/pkg/app/core/merkle"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
	ErrZeroAmount          = errors.New("amount must be positive")
)

// Pair names the two tokens of the traded market.
type Pair struct {
	Base  common.Address
	Quote common.Address
}

type key struct {
	owner common.Address
	token common.Address
}

// Account is one (owner, token) row. Locked never exceeds Balance.
type Account struct {
	Owner   common.Address
	Token   common.Address
	Balance *uint256.Int
	Locked  *uint256.Int
}

func (a Account) available() *uint256.Int {
	return new(uint256.Int).Sub(a.Balance, a.Locked)
}

func (a Account) clone() Account {
	return Account{
		Owner:   a.Owner,
		Token:   a.Token,
		Balance: new(uint256.Int).Set(a.Balance),
		Locked:  new(uint256.Int).Set(a.Locked),
	}
}

// Ledger is not safe for concurrent use.
type Ledger struct {
	accounts map[key]Account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[key]Account)}
}

// Load replaces the ledger contents with accounts, e.g. after a restart.
func (l *Ledger) Load(accounts []Account) error {
	fresh := make(map[key]Account, len(accounts))
	for _, a := range accounts {
		if a.Balance == nil || a.Locked == nil || a.Locked.Gt(a.Balance) {
			return fmt.Errorf("account %s/%s: locked exceeds balance", a.Owner.Hex(), a.Token.Hex())
		}
		fresh[key{a.Owner, a.Token}] = a.clone()
	}
	l.accounts = fresh
	return nil
}

func (l *Ledger) Clone() *Ledger {
	c := &Ledger{accounts: make(map[key]Account, len(l.accounts))}
	for k, a := range l.accounts {
		c.accounts[k] = a.clone()
	}
	return c
}

func (l *Ledger) get(owner, token common.Address) Account {
	if a, ok := l.accounts[key{owner, token}]; ok {
		return a
	}
	return Account{Owner: owner, Token: token, Balance: new(uint256.Int), Locked: new(uint256.Int)}
}

func (l *Ledger) put(a Account) merkle.Balance {
	l.accounts[key{a.Owner, a.Token}] = a
	return merkle.Balance{Owner: a.Owner, Token: a.Token, Balance: new(uint256.Int).Set(a.Balance)}
}

// Account returns a copy of one row; absent rows are zero.
func (l *Ledger) Account(owner, token common.Address) Account {
	return l.get(owner, token).clone()
}

// Restore overwrites one row, e.g. to undo a change that could not be persisted.
func (l *Ledger) Restore(a Account) {
	l.put(a.clone())
}

// Balance returns the total (locked included) balance.
func (l *Ledger) Balance(owner, token common.Address) *uint256.Int {
	return new(uint256.Int).Set(l.get(owner, token).Balance)
}

// Available returns the balance not reserved by resting orders.
func (l *Ledger) Available(owner, token common.Address) *uint256.Int {
	return l.get(owner, token).available()
}

// Accounts returns every row, sorted by owner then token.
func (l *Ledger) Accounts() []Account {
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Owner[:], out[j].Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Token[:], out[j].Token[:]) < 0
	})
	return out
}

// Balances returns the tree view of Accounts.
func (l *Ledger) Balances() []merkle.Balance {
	accs := l.Accounts()
	out := make([]merkle.Balance, len(accs))
	for i, a := range accs {
		out[i] = merkle.Balance{Owner: a.Owner, Token: a.Token, Balance: a.Balance}
	}
	return out
}

func (l *Ledger) Deposit(owner, token common.Address, amount *uint256.Int) (merkle.Balance, error) {
	if amount == nil || amount.IsZero() {
		return merkle.Balance{}, ErrZeroAmount
	}
	a := l.get(owner, token).clone()
	if _, overflow := a.Balance.AddOverflow(a.Balance, amount); overflow {
		return merkle.Balance{}, ErrOverflow
	}
	return l.put(a), nil
}

// Withdraw removes amount from the available balance.
func (l *Ledger) Withdraw(owner, token common.Address, amount *uint256.Int) (merkle.Balance, error) {
	if amount == nil || amount.IsZero() {
		return merkle.Balance{}, ErrZeroAmount
	}
	a := l.get(owner, token).clone()
	if a.available().Lt(amount) {
		return merkle.Balance{}, fmt.Errorf("%w: %s has %s available of %s", ErrInsufficientBalance, owner.Hex(), a.available(), token.Hex())
	}
	a.Balance.Sub(a.Balance, amount)
	return l.put(a), nil
}

// Requirement returns the token and amount an order reserves.
func Requirement(o orderbook.Order, pair Pair) (common.Address, *uint256.Int) {
	if o.Side == orderbook.Bid {
		return pair.Quote, notional(o.Price, o.Quantity)
	}
	return pair.Base, uint256.NewInt(o.Quantity)
}

func notional(price, qty uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(price), uint256.NewInt(qty))
}

// Reserve locks the order's requirement. Balances are unchanged so no tree update results.
func (l *Ledger) Reserve(o orderbook.Order, pair Pair) error {
	token, need := Requirement(o, pair)
	a := l.get(o.Owner, token).clone()
	if a.available().Lt(need) {
		return fmt.Errorf("%w: order %s needs %s, %s available", ErrInsufficientBalance, o.ID, need, a.available())
	}
	a.Locked.Add(a.Locked, need)
	l.put(a)
	return nil
}

// Release unlocks a reservation made by Reserve for an order that never rested.
func (l *Ledger) Release(o orderbook.Order, pair Pair) {
	token, need := Requirement(o, pair)
	a := l.get(o.Owner, token).clone()
	if a.Locked.Lt(need) {
		a.Locked.Clear()
	} else {
		a.Locked.Sub(a.Locked, need)
	}
	l.put(a)
}

// Settle moves funds for one trade out of both orders' reservations and returns the
// changed balances in a fixed order: bid quote, bid base, ask base, ask quote.
// Either every leg applies or none does.
func (l *Ledger) Settle(t orderbook.Trade, pair Pair) ([]merkle.Balance, error) {
	cost := notional(t.Price, t.Quantity)
	qty := uint256.NewInt(t.Quantity)

	pending := make(map[key]Account, 4)
	var order []key
	step := func(owner, token common.Address, debit, credit *uint256.Int) error {
		k := key{owner, token}
		a, ok := pending[k]
		if !ok {
			a = l.get(owner, token).clone()
		}
		if debit != nil {
			if a.Locked.Lt(debit) {
				return fmt.Errorf("%w: trade %s debits %s from %s, %s locked", ErrInsufficientBalance, t.ID, debit, owner.Hex(), a.Locked)
			}
			a.Locked.Sub(a.Locked, debit)
			a.Balance.Sub(a.Balance, debit)
		}
		if credit != nil {
			if _, overflow := a.Balance.AddOverflow(a.Balance, credit); overflow {
				return ErrOverflow
			}
		}
		pending[k] = a
		order = append(order, k)
		return nil
	}

	bid, ask := t.BidOrder.Owner, t.AskOrder.Owner
	if err := step(bid, pair.Quote, cost, nil); err != nil {
		return nil, err
	}
	if err := step(bid, pair.Base, nil, qty); err != nil {
		return nil, err
	}
	if err := step(ask, pair.Base, qty, nil); err != nil {
		return nil, err
	}
	if err := step(ask, pair.Quote, nil, cost); err != nil {
		return nil, err
	}

	out := make([]merkle.Balance, len(order))
	for i, k := range order {
		out[i] = l.put(pending[k])
	}
	return out, nil
}
