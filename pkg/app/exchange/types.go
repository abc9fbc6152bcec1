package exchange

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrUnknownToken  = errors.New("token is not part of this market")

	ErrBatchOutOfOrder = errors.New("batch does not extend the head")
	ErrDigestMismatch  = errors.New("batch digest mismatch")
)

// Batch is one sequencing step: replaying Orders from the state whose digest is
// PrevDigest yields the state whose digest is Digest.
type Batch struct {
	Seq         uint64            `json:"seq"`
	Time        uint64            `json:"time"` // unix ms, not part of any digest
	PrevDigest  common.Hash       `json:"prev_digest"`
	Orders      []orderbook.Order `json:"orders"`
	Digest      common.Hash       `json:"digest"`
	BalanceRoot common.Hash       `json:"balance_root"`
	Rejected    []Rejection       `json:"rejected"`
}

// Rejection records a queued order that was dropped during sequencing.
type Rejection struct {
	Seq     uint64 `json:"seq"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// Snapshot is the latest committed matching state.
type Snapshot struct {
	Seq    uint64
	Digest common.Hash
	State  orderbook.State
}

// Head identifies the latest commitment.
type Head struct {
	Seq         uint64      `json:"seq"`
	Digest      common.Hash `json:"digest"`
	BalanceRoot common.Hash `json:"balance_root"`
}

// Store persists batches, the latest snapshot and ledger rows.
// Read misses return ok == false with a nil error.
type Store interface {
	SaveBatch(b Batch, snap Snapshot, accounts []settlement.Account) error
	SaveAccounts(accounts []settlement.Account) error
	LoadBatch(seq uint64) (Batch, bool, error)
	LoadSnapshot() (Snapshot, bool, error)
	LoadAccounts() ([]settlement.Account, error)
}

// Journal is an append-only audit log of applied operations.
type Journal interface {
	Append(kind string, v any) error
}
