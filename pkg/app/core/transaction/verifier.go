package transaction

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/crypto"
)

// ErrBadSignature means the signature does not recover to the order's owner.
var ErrBadSignature = errors.New("signature does not match order owner")

// Verifier checks order signatures against one EIP-712 domain.
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Verify authenticates tx and returns the order to feed into matching.
func (v *Verifier) Verify(tx *SignedOrder) (orderbook.Order, error) {
	typed, err := tx.Order.ToEIP712Order()
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("invalid order format: %w", err)
	}
	sig, err := decodeSignature(tx.Signature)
	if err != nil {
		return orderbook.Order{}, err
	}
	ok, err := v.eip712Signer.VerifyOrderSignature(typed, sig)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if !ok {
		return orderbook.Order{}, ErrBadSignature
	}
	return orderbook.Order{
		ID:       typed.ID,
		Owner:    typed.Owner,
		Side:     orderbook.Side(typed.Side),
		Price:    typed.Price,
		Quantity: typed.Quantity,
	}, nil
}

// Sign produces an envelope for order signed by signer. Used by clients and tests.
func Sign(domain crypto.EIP712Domain, signer *crypto.Signer, order OrderPayload) (*SignedOrder, error) {
	order.Owner = signer.Address().Hex()
	typed, err := order.ToEIP712Order()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.NewEIP712Signer(domain).SignOrder(signer, typed)
	if err != nil {
		return nil, err
	}
	return &SignedOrder{Order: order, Signature: fmt.Sprintf("0x%x", sig)}, nil
}

func decodeSignature(sig string) ([]byte, error) {
	b, err := crypto.DecodeHex(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}
