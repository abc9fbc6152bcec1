package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EncodingError reports malformed hex text at the boundary.
type EncodingError struct {
	Input  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid hex %q: %s", e.Input, e.Reason)
}

// DecodeHex decodes hex text with an optional 0x prefix.
// Empty input (after the prefix), odd length and non-hex characters are errors.
func DecodeHex(s string) ([]byte, error) {
	body := s
	if len(body) >= 2 && body[0] == '0' && (body[1] == 'x' || body[1] == 'X') {
		body = body[2:]
	}
	if body == "" {
		return nil, &EncodingError{Input: s, Reason: "empty hex string"}
	}
	b, err := hexutil.Decode("0x" + body)
	if err != nil {
		return nil, &EncodingError{Input: s, Reason: hexReason(err)}
	}
	return b, nil
}

func hexReason(err error) string {
	switch {
	case errors.Is(err, hexutil.ErrOddLength):
		return "odd number of characters"
	case errors.Is(err, hexutil.ErrSyntax):
		return "non-hexadecimal character"
	default:
		return err.Error()
	}
}

// ParseAddress decodes a 20-byte address.
func ParseAddress(s string) (common.Address, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return common.Address{}, err
	}
	if len(b) != common.AddressLength {
		return common.Address{}, &EncodingError{Input: s, Reason: fmt.Sprintf("address must be %d bytes, got %d", common.AddressLength, len(b))}
	}
	return common.BytesToAddress(b), nil
}

// ParseHash decodes a 32-byte hash.
func ParseHash(s string) (common.Hash, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, &EncodingError{Input: s, Reason: fmt.Sprintf("hash must be %d bytes, got %d", common.HashLength, len(b))}
	}
	return common.BytesToHash(b), nil
}

// ParseHashes decodes each element with ParseHash.
func ParseHashes(in []string) ([]common.Hash, error) {
	out := make([]common.Hash, len(in))
	for i, s := range in {
		h, err := ParseHash(s)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = h
	}
	return out, nil
}
