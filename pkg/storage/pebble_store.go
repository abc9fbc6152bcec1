package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/zkbook/pkg/app/core/settlement"
	"github.com/uhyunpark/zkbook/pkg/app/exchange"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		BytesPerSync: 512 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// OpenReadOnly opens an existing store without taking write ownership.
func OpenReadOnly(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// SaveBatch writes the batch, the snapshot it produced and the ledger rows in one
// atomic pebble batch.
func (s *PebbleStore) SaveBatch(b exchange.Batch, snap exchange.Snapshot, accounts []settlement.Account) error {
	wb := s.db.NewBatch()
	defer wb.Close()

	val, err := encode(&b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := wb.Set(batchKey(b.Seq), val, nil); err != nil {
		return err
	}
	val, err = encode(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := wb.Set([]byte(keySnapshot), val, nil); err != nil {
		return err
	}
	if err := setAccounts(wb, accounts); err != nil {
		return err
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch %d: %w", b.Seq, err)
	}
	return nil
}

func (s *PebbleStore) SaveAccounts(accounts []settlement.Account) error {
	wb := s.db.NewBatch()
	defer wb.Close()
	if err := setAccounts(wb, accounts); err != nil {
		return err
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit accounts: %w", err)
	}
	return nil
}

func setAccounts(wb *pebble.Batch, accounts []settlement.Account) error {
	for i := range accounts {
		a := &accounts[i]
		val, err := encode(a)
		if err != nil {
			return fmt.Errorf("encode account %s: %w", a.Owner.Hex(), err)
		}
		if err := wb.Set(accountKey(a.Owner, a.Token), val, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) get(key []byte, v any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := decode(val, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) LoadBatch(seq uint64) (exchange.Batch, bool, error) {
	var b exchange.Batch
	ok, err := s.get(batchKey(seq), &b)
	return b, ok, err
}

func (s *PebbleStore) LoadSnapshot() (exchange.Snapshot, bool, error) {
	var snap exchange.Snapshot
	ok, err := s.get([]byte(keySnapshot), &snap)
	return snap, ok, err
}

func (s *PebbleStore) LoadAccounts() ([]settlement.Account, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []settlement.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var a settlement.Account
		if err := decode(iter.Value(), &a); err != nil {
			return nil, fmt.Errorf("decode account %x: %w", iter.Key(), err)
		}
		out = append(out, a)
	}
	return out, iter.Error()
}

var _ exchange.Store = (*PebbleStore)(nil)
