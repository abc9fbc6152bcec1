package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/zkbook/pkg/app/core/merkle"
	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
)

type fundsEvent struct {
	Owner   common.Address `json:"owner"`
	Token   common.Address `json:"token"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
	Root    common.Hash    `json:"root"`
}

// Deposit credits owner and updates the balance root immediately.
func (a *App) Deposit(owner, token common.Address, amount *uint256.Int) (merkle.Balance, error) {
	return a.moveFunds("deposit", owner, token, amount, (*settlement.Ledger).Deposit)
}

// Withdraw debits owner's available balance.
func (a *App) Withdraw(owner, token common.Address, amount *uint256.Int) (merkle.Balance, error) {
	return a.moveFunds("withdrawal", owner, token, amount, (*settlement.Ledger).Withdraw)
}

func (a *App) moveFunds(
	kind string,
	owner, token common.Address,
	amount *uint256.Int,
	apply func(l *settlement.Ledger, owner, token common.Address, amount *uint256.Int) (merkle.Balance, error),
) (merkle.Balance, error) {
	if token != a.pair.Base && token != a.pair.Quote {
		return merkle.Balance{}, ErrUnknownToken
	}

	a.mu.Lock()
	before := a.ledger.Account(owner, token)
	b, err := apply(a.ledger, owner, token, amount)
	if err != nil {
		a.mu.Unlock()
		return merkle.Balance{}, err
	}
	if err := a.store.SaveAccounts([]settlement.Account{a.ledger.Account(owner, token)}); err != nil {
		a.ledger.Restore(before)
		a.mu.Unlock()
		return merkle.Balance{}, err
	}
	a.tree.UpdateBalance(b.Owner, b.Token, b.Balance)
	root := a.tree.Root()
	a.head.BalanceRoot = root
	a.mu.Unlock()

	a.record(kind, fundsEvent{Owner: owner, Token: token, Amount: amount, Balance: b.Balance, Root: root})
	a.log.Infow(kind, "owner", owner.Hex(), "token", token.Hex(), "amount", amount.Dec(), "balance", b.Balance.Dec(), "root", root.Hex())
	return b, nil
}
