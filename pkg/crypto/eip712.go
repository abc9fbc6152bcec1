package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures across deployments and chains.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:    "zkbook",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// OrderEIP712 is the typed payload a wallet signs for one limit order.
type OrderEIP712 struct {
	ID       string
	Market   string
	Side     uint8 // 1 = bid, 2 = ask
	Price    uint64
	Quantity uint64
	Nonce    uint64
	Owner    common.Address
}

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "id", Type: "string"},
		{Name: "market", Type: "string"},
		{Name: "side", Type: "uint8"},
		{Name: "price", Type: "uint256"},
		{Name: "quantity", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
}

type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// TypedData returns the eth_signTypedData_v4 payload for order.
func (e *EIP712Signer) TypedData(order *OrderEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"id":       order.ID,
			"market":   order.Market,
			"side":     fmt.Sprintf("%d", order.Side),
			"price":    fmt.Sprintf("%d", order.Price),
			"quantity": fmt.Sprintf("%d", order.Quantity),
			"nonce":    fmt.Sprintf("%d", order.Nonce),
			"owner":    order.Owner.Hex(),
		},
	}
}

// HashOrder returns keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(e.TypedData(order))
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return digest, nil
}

func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	return sig, nil
}

// RecoverOrderSigner returns the address that signed order.
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// VerifyOrderSignature reports whether the order was signed by its Owner.
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	addr, err := e.RecoverOrderSigner(order, signature)
	if err != nil {
		return false, err
	}
	return addr == order.Owner, nil
}

// OrderToJSON renders the typed data for wallet signing.
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	b, err := json.MarshalIndent(e.TypedData(order), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(b), nil
}
