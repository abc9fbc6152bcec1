package merkle

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// keccak hashes the concatenation of parts with legacy Keccak-256.
func keccak(parts ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// LeafKey is keccak256(owner || token).
func LeafKey(owner, token common.Address) common.Hash {
	return keccak(owner.Bytes(), token.Bytes())
}

// LeafHash is keccak256(key || value), value encoded as 32 big-endian bytes.
// A nil value hashes as zero.
func LeafHash(key common.Hash, value *uint256.Int) common.Hash {
	var v [32]byte
	if value != nil {
		v = value.Bytes32()
	}
	return keccak(key.Bytes(), v[:])
}

// hashPair combines two nodes with the numerically smaller hash first, so the
// parent does not depend on which side a node sits. Build, proof generation and
// verification all go through here.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return keccak(a[:], b[:])
}
