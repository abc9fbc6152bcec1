package storage

import (
	"github.com/ethereum/go-ethereum/rlp"
)

// Values are rlp encoded: the same canonical encoding the state digest uses.

func encode(v any) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

func decode(b []byte, v any) error {
	return rlp.DecodeBytes(b, v)
}
