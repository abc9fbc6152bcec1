package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	b:<8-byte seq>           -> Batch
//	s:latest                 -> Snapshot
//	a:<owner 20B><token 20B> -> settlement.Account
const (
	prefixBatch   = "b:"
	prefixAccount = "a:"
	keySnapshot   = "s:latest"
)

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func batchKey(seq uint64) []byte {
	return append([]byte(prefixBatch), seqKey(seq)...)
}

func accountKey(owner, token common.Address) []byte {
	k := make([]byte, 0, len(prefixAccount)+2*common.AddressLength)
	k = append(k, prefixAccount...)
	k = append(k, owner[:]...)
	return append(k, token[:]...)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
