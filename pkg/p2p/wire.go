package p2p

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/ethereum/go-ethereum/common"
)

func init() {
	gob.Register(CommitmentWire{})
	gob.Register(BatchWire{})
}

// Commitment is a sequencer's signed claim that batch Seq produced Digest and BalanceRoot.
type Commitment struct {
	Seq         uint64
	Digest      common.Hash
	BalanceRoot common.Hash
	Signature   []byte // BLS over Message()
	PubKey      []byte // compressed BLS public key of the signer
}

// Message is the byte string the attestation signs: seq (big endian) || digest || root.
func (c Commitment) Message() []byte {
	msg := make([]byte, 8, 8+2*common.HashLength)
	binary.BigEndian.PutUint64(msg, c.Seq)
	msg = append(msg, c.Digest[:]...)
	return append(msg, c.BalanceRoot[:]...)
}

type CommitmentWire struct {
	Commitment []byte // gob-encoded Commitment
}

// BatchWire answers a batch request. Batch is empty when Found is false.
type BatchWire struct {
	Found bool
	Batch []byte // gob-encoded exchange.Batch
	Err   string
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
