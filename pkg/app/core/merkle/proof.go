package merkle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Proof is an inclusion proof for one (owner, token) leaf.
//
// For an account that is not in the tree, Value is zero and Siblings is the path of
// the leaf at the account's would-be position. Such a proof gives no guarantee that
// the account is absent; it only fails verification for any nonzero amount.
type Proof struct {
	Siblings []common.Hash `json:"siblings"`
	Value    *uint256.Int  `json:"value"`
	Key      common.Hash   `json:"key"`
	Included bool          `json:"included"`
}

// GenerateProof returns the sibling path for (owner, token) against the current root.
// The path has ceil(log2(n)) entries for n > 1 leaves and is empty otherwise.
func (t *Tree) GenerateProof(owner, token common.Address) Proof {
	key := LeafKey(owner, token)
	p := Proof{Key: key, Value: new(uint256.Int), Siblings: []common.Hash{}}
	if l, ok := t.leaves[key]; ok {
		p.Value.Set(l.Value)
		p.Included = true
	}
	if len(t.keys) == 0 {
		return p
	}

	idx, _ := t.position(key)
	for _, level := range t.levels[:len(t.levels)-1] {
		p.Siblings = append(p.Siblings, t.sibling(level, idx))
		idx /= 2
	}
	return p
}

// Verify checks the proof's own value against root.
func (p Proof) Verify(root common.Hash, owner, token common.Address) bool {
	return VerifyProof(root, p.Siblings, owner, token, p.Value)
}

// VerifyProof recomputes the leaf for (owner, token, amount), folds the siblings
// into it bottom-up and reports whether the result equals root.
func VerifyProof(root common.Hash, siblings []common.Hash, owner, token common.Address, amount *uint256.Int) bool {
	cur := LeafHash(LeafKey(owner, token), amount)
	for _, s := range siblings {
		cur = hashPair(cur, s)
	}
	return cur == root
}
