package api

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
)

// API request and response types for REST endpoints and WebSocket messages.
// Token amounts travel as decimal strings.

// ==============================
// REST Types
// ==============================

type MarketInfo struct {
	Symbol       string `json:"symbol"`
	BaseToken    string `json:"baseToken"`
	QuoteToken   string `json:"quoteToken"`
	Status       string `json:"status"`
	MaxOrderSize uint64 `json:"maxOrderSize"` // 0 = unlimited
}

// OrderbookSnapshot is the aggregated book, best levels first.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // high to low
	Asks      []PriceLevel `json:"asks"` // low to high
	Seq       uint64       `json:"seq"`
	Timestamp int64        `json:"timestamp"` // unix ms
}

type PriceLevel struct {
	Price  uint64 `json:"price"`
	Size   uint64 `json:"size"`
	Orders int    `json:"orders"`
}

type TradeInfo struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Price      uint64 `json:"price"`
	Size       uint64 `json:"size"`
	AskOrderID string `json:"askOrderId"`
	BidOrderID string `json:"bidOrderId"`
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer"`
}

type DigestResponse struct {
	Seq         uint64 `json:"seq"`
	Digest      string `json:"digest"`
	BalanceRoot string `json:"balanceRoot"`
}

type SubmitOrderResponse struct {
	Status   string `json:"status"`
	OrderID  string `json:"orderId"`
	QueueSeq uint64 `json:"queueSeq"`
}

// FundsRequest is the body of /deposits and /withdrawals.
type FundsRequest struct {
	Owner  string `json:"owner"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type FundsResponse struct {
	Owner       string `json:"owner"`
	Token       string `json:"token"`
	Balance     string `json:"balance"`
	BalanceRoot string `json:"balanceRoot"`
}

type BalanceResponse struct {
	Owner     string   `json:"owner"`
	Token     string   `json:"token"`
	Balance   string   `json:"balance"`
	Available string   `json:"available"`
	Root      string   `json:"root"`
	Included  bool     `json:"included"`
	Siblings  []string `json:"siblings"`
}

type VerifyRequest struct {
	Root     string   `json:"root"`
	Siblings []string `json:"siblings"`
	Owner    string   `json:"owner"`
	Token    string   `json:"token"`
	Amount   string   `json:"amount"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Seq     uint64 `json:"seq"`
	Pending int    `json:"pending"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

const (
	ChannelTrades  = "trades"
	ChannelBatches = "batches"
)

// WSSubscribeRequest is sent by clients: {"op":"subscribe","channels":["trades"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSAck confirms a subscription change.
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" | "unsubscribed" | "error"
	Channels []string `json:"channels,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type TradeUpdate struct {
	Type string `json:"type"` // "trade"
	TradeInfo
}

type BatchUpdate struct {
	Type        string `json:"type"` // "batch"
	Seq         uint64 `json:"seq"`
	Digest      string `json:"digest"`
	PrevDigest  string `json:"prevDigest"`
	BalanceRoot string `json:"balanceRoot"`
	Orders      int    `json:"orders"`
	Rejected    int    `json:"rejected"`
	Timestamp   uint64 `json:"timestamp"`
}

// ==============================
// Conversions
// ==============================

func toLevels(in []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price, Size: l.Quantity, Orders: l.Orders}
	}
	return out
}

func toTradeInfo(symbol string, t orderbook.Trade) TradeInfo {
	return TradeInfo{
		ID:         t.ID,
		Symbol:     symbol,
		Price:      t.Price,
		Size:       t.Quantity,
		AskOrderID: t.AskOrder.ID,
		BidOrderID: t.BidOrder.ID,
		Seller:     t.AskOrder.Owner.Hex(),
		Buyer:      t.BidOrder.Owner.Hex(),
	}
}

func toBatchUpdate(b exchange.Batch) BatchUpdate {
	return BatchUpdate{
		Type:        "batch",
		Seq:         b.Seq,
		Digest:      b.Digest.Hex(),
		PrevDigest:  b.PrevDigest.Hex(),
		BalanceRoot: b.BalanceRoot.Hex(),
		Orders:      len(b.Orders),
		Rejected:    len(b.Rejected),
		Timestamp:   b.Time,
	}
}

func hashStrings(in []common.Hash) []string {
	out := make([]string, len(in))
	for i, h := range in {
		out[i] = h.Hex()
	}
	return out
}
