package market

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrMarketPaused is returned for orders submitted while trading is halted.
var ErrMarketPaused = errors.New("market is not accepting orders")

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active  MarketStatus = iota // Trading enabled
	Paused                      // Trading halted
	Settled                     // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Market is the single traded pair. Bids pay QuoteToken for BaseToken.
type Market struct {
	Symbol     string         // "ETH-USDC"
	BaseToken  common.Address // token delivered by asks
	QuoteToken common.Address // token delivered by bids

	// MaxOrderSize caps a single order's quantity in base units. Zero means no cap.
	MaxOrderSize uint64

	mu     sync.RWMutex
	status MarketStatus
}

// New creates an Active market with validation
func New(symbol string, base, quote common.Address) (*Market, error) {
	m := &Market{Symbol: symbol, BaseToken: base, QuoteToken: quote, status: Active}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market: %w", err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseToken == (common.Address{}) || m.QuoteToken == (common.Address{}) {
		return fmt.Errorf("base and quote tokens must be specified")
	}
	if m.BaseToken == m.QuoteToken {
		return fmt.Errorf("base and quote tokens must differ")
	}
	return nil
}

func (m *Market) Status() MarketStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus changes the trading status.
// Active and Paused switch freely; Settled is terminal.
func (m *Market) SetStatus(status MarketStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == Settled {
		return fmt.Errorf("cannot change status from Settled (terminal state)")
	}
	m.status = status
	return nil
}

// ValidateOrder checks the market-level limits for one order.
// Zero price and quantity are left to the matching engine.
func (m *Market) ValidateOrder(qty uint64) error {
	if s := m.Status(); s != Active {
		return fmt.Errorf("%w: %s is %s", ErrMarketPaused, m.Symbol, s)
	}
	if m.MaxOrderSize > 0 && qty > m.MaxOrderSize {
		return fmt.Errorf("order size %d exceeds maximum %d", qty, m.MaxOrderSize)
	}
	return nil
}
