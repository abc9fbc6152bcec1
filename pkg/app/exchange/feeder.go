package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/transaction"
	"github.com/uhyunpark/zkbook/pkg/crypto"
)

// FeederConfig controls synthetic order flow for local runs.
type FeederConfig struct {
	Traders   int
	BatchSize int           // orders per tick
	Interval  time.Duration // tick period
	MidPrice  uint64
	Ticks     uint64 // prices fall in [MidPrice-Ticks, MidPrice+Ticks]
	MaxQty    uint64
	Funding   uint64 // deposited per trader per token
	Seed      int64
}

// DefaultFeederConfig returns reasonable defaults for testing
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Traders:   20,
		BatchSize: 10,
		Interval:  100 * time.Millisecond,
		MidPrice:  2_000,
		Ticks:     5,
		MaxQty:    20,
		Funding:   1_000_000_000,
		Seed:      1,
	}
}

// OrderGenerator signs random orders for a fixed set of simulated traders.
// Prices sit on a narrow grid around the mid so exact-price matches are frequent.
type OrderGenerator struct {
	signers []*crypto.Signer
	market  string
	domain  crypto.EIP712Domain
	cfg     FeederConfig
	rng     *rand.Rand
	nonces  map[common.Address]uint64
}

func NewOrderGenerator(market string, domain crypto.EIP712Domain, cfg FeederConfig) (*OrderGenerator, error) {
	if cfg.Traders < 1 || cfg.MaxQty < 1 || cfg.Ticks >= cfg.MidPrice {
		return nil, fmt.Errorf("feeder: need traders >= 1, max qty >= 1 and ticks < mid price")
	}
	g := &OrderGenerator{
		market: market,
		domain: domain,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		nonces: make(map[common.Address]uint64),
	}
	for i := 0; i < cfg.Traders; i++ {
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		g.signers = append(g.signers, s)
	}
	return g, nil
}

func (g *OrderGenerator) Signers() []*crypto.Signer { return g.signers }

// Next returns one signed order from a random trader.
func (g *OrderGenerator) Next() (*transaction.SignedOrder, error) {
	s := g.signers[g.rng.Intn(len(g.signers))]
	g.nonces[s.Address()]++
	nonce := g.nonces[s.Address()]

	side := orderbook.Bid
	if g.rng.Intn(2) == 1 {
		side = orderbook.Ask
	}
	price := g.cfg.MidPrice - g.cfg.Ticks + uint64(g.rng.Int63n(int64(2*g.cfg.Ticks+1)))
	qty := 1 + uint64(g.rng.Int63n(int64(g.cfg.MaxQty)))

	return transaction.Sign(g.domain, s, transaction.OrderPayload{
		ID:       fmt.Sprintf("%s-%d", s.Address().Hex()[2:10], nonce),
		Market:   g.market,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Nonce:    nonce,
	})
}

// Fund deposits cfg.Funding of both market tokens to every trader.
func (g *OrderGenerator) Fund(app *App) error {
	amt := uint256.NewInt(g.cfg.Funding)
	m := app.Market()
	for _, s := range g.signers {
		for _, token := range []common.Address{m.BaseToken, m.QuoteToken} {
			if _, err := app.Deposit(s.Address(), token, amt); err != nil {
				return fmt.Errorf("fund %s: %w", s.Address().Hex(), err)
			}
		}
	}
	return nil
}

// StartFeeder funds the generator's traders and submits cfg.BatchSize orders every
// cfg.Interval until the returned cancel function is called or ctx ends.
func StartFeeder(ctx context.Context, app *App, g *OrderGenerator) (context.CancelFunc, error) {
	if err := g.Fund(app); err != nil {
		return nil, err
	}
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		start := app.clock.Now()
		total, rejected := 0, 0
		app.log.Infow("feeder_started", "traders", len(g.signers), "batch", g.cfg.BatchSize, "interval", g.cfg.Interval.String())

		for {
			select {
			case <-feedCtx.Done():
				app.log.Infow("feeder_stopped",
					"submitted", total,
					"rejected", rejected,
					"elapsed", app.clock.Now().Sub(start).Round(time.Millisecond).String(),
				)
				return
			case <-app.clock.After(g.cfg.Interval):
				for i := 0; i < g.cfg.BatchSize; i++ {
					tx, err := g.Next()
					if err == nil {
						_, err = app.SubmitSigned(tx)
					}
					if err != nil {
						rejected++
						app.log.Debugw("feeder_submit_failed", "err", err)
						continue
					}
					total++
				}
			}
		}
	}()
	return cancel, nil
}
