package mempool

import (
	"errors"
	"slices"
	"sync"

	"github.com/uhyunpark/zkbook/pkg/app/core/orderbook"
)

// ErrFull is returned when the queue is at capacity.
var ErrFull = errors.New("mempool full")

// Entry is an admitted order with its admission sequence number.
type Entry struct {
	Seq   uint64
	Order orderbook.Order
}

// Mempool is a FIFO of verified orders. Admission order is the order in which the
// sequencer feeds them to the matching engine, so it is the only ordering rule.
type Mempool struct {
	mu       sync.Mutex
	queue    []Entry
	next     uint64
	capacity int
}

// NewMempool returns a queue holding at most capacity orders; 0 means unbounded.
func NewMempool(capacity int) *Mempool {
	return &Mempool{capacity: capacity, next: 1}
}

// Push admits o and returns its entry.
func (m *Mempool) Push(o orderbook.Order) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity > 0 && len(m.queue) >= m.capacity {
		return Entry{}, ErrFull
	}
	e := Entry{Seq: m.next, Order: o}
	m.next++
	m.queue = append(m.queue, e)
	return e, nil
}

// Select removes and returns up to max entries in admission order; max <= 0 takes all.
func (m *Mempool) Select(max int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queue)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Entry, n)
	copy(out, m.queue[:n])
	m.queue = append(m.queue[:0], m.queue[n:]...)
	return out
}

// Requeue puts entries taken by Select back at the head of the queue with their
// original sequence numbers. Capacity is not enforced for them.
func (m *Mempool) Requeue(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(slices.Clone(entries), m.queue...)
}

// Pending returns a copy of the queued entries without removing them.
func (m *Mempool) Pending() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.queue...)
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
