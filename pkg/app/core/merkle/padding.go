package merkle

import "github.com/ethereum/go-ethereum/common"

// OddNodePolicy picks the partner of the last node on a level with an odd node count.
//
// The policy only affects tree construction and proof generation; verification
// consumes whatever sibling the proof carries.
type OddNodePolicy interface {
	Partner(last common.Hash) common.Hash
}

// DuplicateSelf pairs the unpaired node with itself.
//
// This lets trees of different shapes collide (a level [a b c] and [a b c c]
// produce the same parent row), so a proof does not pin down the leaf count.
type DuplicateSelf struct{}

func (DuplicateSelf) Partner(last common.Hash) common.Hash { return last }

// ZeroPad pairs the unpaired node with the zero hash.
type ZeroPad struct{}

func (ZeroPad) Partner(common.Hash) common.Hash { return common.Hash{} }
