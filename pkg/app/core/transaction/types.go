package transaction

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/crypto"
)

// SignedOrder is the envelope clients submit: an order payload plus the owner's
// EIP-712 signature over it.
//
//	{
//	  "order": {
//	    "id": "alice-1",
//	    "market": "ETH-USDC",
//	    "side": "bid",
//	    "price": "100",
//	    "quantity": "10",
//	    "nonce": "1",
//	    "owner": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
//	  },
//	  "signature": "0x..."
//	}
type SignedOrder struct {
	Order     OrderPayload `json:"order"`
	Signature string       `json:"signature"` // 65 bytes, hex
}

// OrderPayload carries the signed fields. Integers travel as decimal strings.
type OrderPayload struct {
	ID       string         `json:"id"`
	Market   string         `json:"market"`
	Side     orderbook.Side `json:"side"`
	Price    uint64         `json:"price,string"`
	Quantity uint64         `json:"quantity,string"`
	Nonce    uint64         `json:"nonce,string"`
	Owner    string         `json:"owner"`
}

// ToEIP712Order converts the payload to its typed-data form.
func (o *OrderPayload) ToEIP712Order() (*crypto.OrderEIP712, error) {
	owner, err := crypto.ParseAddress(o.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	return &crypto.OrderEIP712{
		ID:       o.ID,
		Market:   o.Market,
		Side:     uint8(o.Side),
		Price:    o.Price,
		Quantity: o.Quantity,
		Nonce:    o.Nonce,
		Owner:    owner,
	}, nil
}

func FromEIP712Order(order *crypto.OrderEIP712) OrderPayload {
	return OrderPayload{
		ID:       order.ID,
		Market:   order.Market,
		Side:     orderbook.Side(order.Side),
		Price:    order.Price,
		Quantity: order.Quantity,
		Nonce:    order.Nonce,
		Owner:    order.Owner.Hex(),
	}
}

// Validate performs structural checks. Price, quantity and side values are left to
// the matching engine so every rejection reason has one source.
func (tx *SignedOrder) Validate() error {
	if tx.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if tx.Order.ID == "" {
		return fmt.Errorf("missing order id")
	}
	if tx.Order.Market == "" {
		return fmt.Errorf("missing order market")
	}
	if tx.Order.Owner == "" {
		return fmt.Errorf("missing order owner")
	}
	return nil
}

func (tx *SignedOrder) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Decode parses and structurally validates a JSON envelope.
func Decode(data []byte) (*SignedOrder, error) {
	var tx SignedOrder
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}
	return &tx, nil
}
