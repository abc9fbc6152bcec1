package settlement

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/zkbook/pkg/app/core/merkle"
	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	pair  = Pair{
		Base:  common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		Quote: common.HexToAddress("0x00000000000000000000000000000000000000c1"),
	}
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func funded(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger()
	if _, err := l.Deposit(alice, pair.Quote, u(10_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Deposit(bob, pair.Base, u(100)); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestDepositWithdraw(t *testing.T) {
	l := NewLedger()
	b, err := l.Deposit(alice, pair.Quote, u(500))
	if err != nil {
		t.Fatal(err)
	}
	if b.Owner != alice || b.Token != pair.Quote || b.Balance.Uint64() != 500 {
		t.Errorf("deposit update = %+v", b)
	}
	if _, err := l.Deposit(alice, pair.Quote, u(0)); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("zero deposit err = %v", err)
	}

	huge := new(uint256.Int).SetAllOne()
	if _, err := l.Deposit(alice, pair.Quote, huge); !errors.Is(err, ErrOverflow) {
		t.Errorf("overflow deposit err = %v", err)
	}
	if l.Balance(alice, pair.Quote).Uint64() != 500 {
		t.Errorf("failed deposit changed balance to %s", l.Balance(alice, pair.Quote))
	}

	if _, err := l.Withdraw(alice, pair.Quote, u(501)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraw err = %v", err)
	}
	b, err = l.Withdraw(alice, pair.Quote, u(200))
	if err != nil || b.Balance.Uint64() != 300 {
		t.Errorf("withdraw = %+v, %v", b, err)
	}
}

func TestReserveLimitsWithdrawal(t *testing.T) {
	l := funded(t)
	o := orderbook.Order{ID: "a1", Owner: alice, Side: orderbook.Bid, Price: 100, Quantity: 60}
	if err := l.Reserve(o, pair); err != nil {
		t.Fatal(err)
	}
	if got := l.Available(alice, pair.Quote).Uint64(); got != 4_000 {
		t.Errorf("available = %d, want 4000", got)
	}
	if got := l.Balance(alice, pair.Quote).Uint64(); got != 10_000 {
		t.Errorf("balance = %d, want 10000", got)
	}
	if _, err := l.Withdraw(alice, pair.Quote, u(4_001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("withdraw of locked funds err = %v", err)
	}

	big := orderbook.Order{ID: "a2", Owner: alice, Side: orderbook.Bid, Price: 100, Quantity: 41}
	if err := l.Reserve(big, pair); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("over-reserve err = %v", err)
	}
	ask := orderbook.Order{ID: "b1", Owner: bob, Side: orderbook.Ask, Price: 100, Quantity: 100}
	if err := l.Reserve(ask, pair); err != nil {
		t.Errorf("ask reserve: %v", err)
	}
}

func TestSettleTrade(t *testing.T) {
	l := funded(t)
	bidOrder := orderbook.Order{ID: "a1", Owner: alice, Side: orderbook.Bid, Price: 100, Quantity: 30}
	askOrder := orderbook.Order{ID: "b1", Owner: bob, Side: orderbook.Ask, Price: 100, Quantity: 20}
	if err := l.Reserve(bidOrder, pair); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(askOrder, pair); err != nil {
		t.Fatal(err)
	}

	trade := orderbook.Trade{ID: "b1-a1", AskOrder: askOrder, BidOrder: bidOrder, Price: 100, Quantity: 20}
	updates, err := l.Settle(trade, pair)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	want := []merkle.Balance{
		{Owner: alice, Token: pair.Quote, Balance: u(8_000)},
		{Owner: alice, Token: pair.Base, Balance: u(20)},
		{Owner: bob, Token: pair.Base, Balance: u(80)},
		{Owner: bob, Token: pair.Quote, Balance: u(2_000)},
	}
	if len(updates) != len(want) {
		t.Fatalf("updates = %d, want %d", len(updates), len(want))
	}
	for i := range want {
		if updates[i].Owner != want[i].Owner || updates[i].Token != want[i].Token || !updates[i].Balance.Eq(want[i].Balance) {
			t.Errorf("update %d = %+v, want %+v", i, updates[i], want[i])
		}
	}
	// alice still has 10 lots resting at 100
	if got := l.Available(alice, pair.Quote).Uint64(); got != 7_000 {
		t.Errorf("alice available = %d, want 7000", got)
	}
}

func TestSettleWithoutReservationFails(t *testing.T) {
	l := funded(t)
	trade := orderbook.Trade{
		ID:       "x",
		AskOrder: orderbook.Order{Owner: bob, Side: orderbook.Ask},
		BidOrder: orderbook.Order{Owner: alice, Side: orderbook.Bid},
		Price:    100,
		Quantity: 1,
	}
	before := l.Accounts()
	if _, err := l.Settle(trade, pair); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	after := l.Accounts()
	if len(before) != len(after) {
		t.Fatalf("failed settle added rows: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if !before[i].Balance.Eq(after[i].Balance) || !before[i].Locked.Eq(after[i].Locked) {
			t.Errorf("failed settle changed row %d", i)
		}
	}
}

func TestSettleSameOwnerBothSides(t *testing.T) {
	l := NewLedger()
	l.Deposit(alice, pair.Quote, u(1_000))
	l.Deposit(alice, pair.Base, u(10))
	b := orderbook.Order{ID: "b", Owner: alice, Side: orderbook.Bid, Price: 10, Quantity: 5}
	a := orderbook.Order{ID: "a", Owner: alice, Side: orderbook.Ask, Price: 10, Quantity: 5}
	if err := l.Reserve(b, pair); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(a, pair); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Settle(orderbook.Trade{ID: "a-b", AskOrder: a, BidOrder: b, Price: 10, Quantity: 5}, pair); err != nil {
		t.Fatal(err)
	}
	if l.Balance(alice, pair.Quote).Uint64() != 1_000 || l.Balance(alice, pair.Base).Uint64() != 10 {
		t.Errorf("self-trade changed balances: quote %s base %s", l.Balance(alice, pair.Quote), l.Balance(alice, pair.Base))
	}
	if !l.Available(alice, pair.Quote).Eq(u(1_000)) || !l.Available(alice, pair.Base).Eq(u(10)) {
		t.Error("self-trade left funds locked")
	}
}

func TestRelease(t *testing.T) {
	l := funded(t)
	o := orderbook.Order{ID: "a1", Owner: alice, Side: orderbook.Bid, Price: 100, Quantity: 10}
	l.Reserve(o, pair)
	l.Release(o, pair)
	if !l.Available(alice, pair.Quote).Eq(u(10_000)) {
		t.Errorf("available after release = %s", l.Available(alice, pair.Quote))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	l := funded(t)
	c := l.Clone()
	if _, err := c.Withdraw(alice, pair.Quote, u(1)); err != nil {
		t.Fatal(err)
	}
	if l.Balance(alice, pair.Quote).Uint64() != 10_000 {
		t.Error("withdrawal on clone changed the original")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	l := funded(t)
	l.Reserve(orderbook.Order{ID: "a1", Owner: alice, Side: orderbook.Bid, Price: 10, Quantity: 10}, pair)

	restored := NewLedger()
	if err := restored.Load(l.Accounts()); err != nil {
		t.Fatal(err)
	}
	if !restored.Available(alice, pair.Quote).Eq(l.Available(alice, pair.Quote)) {
		t.Error("locked amount lost across Load")
	}
	if len(restored.Balances()) != 2 {
		t.Errorf("balances = %d, want 2", len(restored.Balances()))
	}

	bad := []Account{{Owner: alice, Token: pair.Quote, Balance: u(1), Locked: u(2)}}
	if err := NewLedger().Load(bad); err == nil {
		t.Error("Load accepted locked > balance")
	}
}
