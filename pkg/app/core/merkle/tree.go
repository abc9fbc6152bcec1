// Package merkle implements the balance commitment tree: a binary Merkle tree over
// (owner, token) -> balance leaves whose shape depends only on the sorted leaf keys.
//
// A Tree is not safe for concurrent use. Callers serialize mutations and reads.
package merkle

import (
	"bytes"
	"slices"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Balance is one (owner, token) -> balance assignment.
type Balance struct {
	Owner   common.Address `json:"owner"`
	Token   common.Address `json:"token"`
	Balance *uint256.Int   `json:"balance"`
}

// Leaf is a committed balance entry.
type Leaf struct {
	Key   common.Hash
	Value *uint256.Int
	Hash  common.Hash
}

func newLeaf(owner, token common.Address, balance *uint256.Int) Leaf {
	key := LeafKey(owner, token)
	v := new(uint256.Int)
	if balance != nil {
		v.Set(balance)
	}
	return Leaf{Key: key, Value: v, Hash: LeafHash(key, v)}
}

type Tree struct {
	policy OddNodePolicy
	leaves map[common.Hash]Leaf

	// keys is the sorted leaf key set; levels[0] holds the leaf hashes in the same
	// order and the last level holds the root.
	keys   []common.Hash
	levels [][]common.Hash
}

type Option func(*Tree)

// WithOddNodePolicy replaces the default DuplicateSelf padding.
func WithOddNodePolicy(p OddNodePolicy) Option {
	return func(t *Tree) { t.policy = p }
}

func New(opts ...Option) *Tree {
	t := &Tree{
		policy: DuplicateSelf{},
		leaves: make(map[common.Hash]Leaf),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// UpdateBalance upserts one leaf and rebuilds the tree.
func (t *Tree) UpdateBalance(owner, token common.Address, balance *uint256.Int) {
	l := newLeaf(owner, token, balance)
	t.leaves[l.Key] = l
	t.rebuild()
}

// BatchUpdate upserts every update and rebuilds once. Later entries for the same
// (owner, token) win, so the result equals applying the updates one at a time.
func (t *Tree) BatchUpdate(updates []Balance) {
	if len(updates) == 0 {
		return
	}
	for _, u := range updates {
		l := newLeaf(u.Owner, u.Token, u.Balance)
		t.leaves[l.Key] = l
	}
	t.rebuild()
}

// Root returns the root hash, or the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	if len(t.levels) == 0 {
		return common.Hash{}
	}
	return t.levels[len(t.levels)-1][0]
}

// Clone returns an independent copy. Leaves and built levels are never written in
// place, so only the containers are copied.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		policy: t.policy,
		leaves: make(map[common.Hash]Leaf, len(t.leaves)),
		keys:   slices.Clone(t.keys),
		levels: slices.Clone(t.levels),
	}
	for k, l := range t.leaves {
		c.leaves[k] = l
	}
	return c
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Get returns a copy of the committed balance.
func (t *Tree) Get(owner, token common.Address) (*uint256.Int, bool) {
	l, ok := t.leaves[LeafKey(owner, token)]
	if !ok {
		return new(uint256.Int), false
	}
	return new(uint256.Int).Set(l.Value), true
}

// Leaves returns all leaves sorted by key.
func (t *Tree) Leaves() []Leaf {
	out := make([]Leaf, len(t.keys))
	for i, k := range t.keys {
		l := t.leaves[k]
		out[i] = Leaf{Key: l.Key, Value: new(uint256.Int).Set(l.Value), Hash: l.Hash}
	}
	return out
}

func (t *Tree) rebuild() {
	t.keys = t.keys[:0]
	for k := range t.leaves {
		t.keys = append(t.keys, k)
	}
	sort.Slice(t.keys, func(i, j int) bool {
		return bytes.Compare(t.keys[i][:], t.keys[j][:]) < 0
	})

	t.levels = t.levels[:0]
	if len(t.keys) == 0 {
		return
	}
	level := make([]common.Hash, len(t.keys))
	for i, k := range t.keys {
		level[i] = t.leaves[k].Hash
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], t.sibling(level, i)))
		}
		t.levels = append(t.levels, next)
		level = next
	}
}

// sibling returns the node paired with level[i]. Build and proof generation share it.
func (t *Tree) sibling(level []common.Hash, i int) common.Hash {
	j := i ^ 1
	if j < len(level) {
		return level[j]
	}
	return t.policy.Partner(level[i])
}

// position returns the index of key among the sorted leaves, or where it would
// sort, clamped to the last leaf.
func (t *Tree) position(key common.Hash) (int, bool) {
	i := sort.Search(len(t.keys), func(i int) bool {
		return bytes.Compare(t.keys[i][:], key[:]) >= 0
	})
	if i < len(t.keys) && t.keys[i] == key {
		return i, true
	}
	if i >= len(t.keys) {
		i = len(t.keys) - 1
	}
	return i, false
}
