package storage

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
)

type accountID struct {
	owner, token common.Address
}

// InMemoryStore keeps encoded values in maps, so callers never share memory with it.
type InMemoryStore struct {
	mu       sync.Mutex
	batches  map[uint64][]byte
	snapshot []byte
	accounts map[accountID][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		batches:  make(map[uint64][]byte),
		accounts: make(map[accountID][]byte),
	}
}

func (s *InMemoryStore) SaveBatch(b exchange.Batch, snap exchange.Snapshot, accounts []settlement.Account) error {
	bv, err := encode(&b)
	if err != nil {
		return err
	}
	sv, err := encode(&snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putAccounts(accounts); err != nil {
		return err
	}
	s.batches[b.Seq] = bv
	s.snapshot = sv
	return nil
}

func (s *InMemoryStore) SaveAccounts(accounts []settlement.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putAccounts(accounts)
}

func (s *InMemoryStore) putAccounts(accounts []settlement.Account) error {
	for i := range accounts {
		v, err := encode(&accounts[i])
		if err != nil {
			return err
		}
		s.accounts[accountID{accounts[i].Owner, accounts[i].Token}] = v
	}
	return nil
}

func (s *InMemoryStore) LoadBatch(seq uint64) (exchange.Batch, bool, error) {
	s.mu.Lock()
	v, ok := s.batches[seq]
	s.mu.Unlock()
	var b exchange.Batch
	if !ok {
		return b, false, nil
	}
	return b, true, decode(v, &b)
}

func (s *InMemoryStore) LoadSnapshot() (exchange.Snapshot, bool, error) {
	s.mu.Lock()
	v := s.snapshot
	s.mu.Unlock()
	var snap exchange.Snapshot
	if v == nil {
		return snap, false, nil
	}
	return snap, true, decode(v, &snap)
}

func (s *InMemoryStore) LoadAccounts() ([]settlement.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]settlement.Account, 0, len(s.accounts))
	for _, v := range s.accounts {
		var a settlement.Account
		if err := decode(v, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

var _ exchange.Store = (*InMemoryStore)(nil)
