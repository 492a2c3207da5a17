package merkle

import (
	"fmt"
	"strings"
)

// InclusionProof shows that one state entry is committed under a root.
type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": where the sibling sits
	SiblingHash string `json:"sibling_hash"`
}

// Prove returns the inclusion proof for the entry at key. Levels where the
// entry's branch was carried up contribute no step.
func (t *Tree) Prove(key string) (InclusionProof, error) {
	i, ok := t.slot[key]
	if !ok {
		return InclusionProof{}, fmt.Errorf("merkle: no entry at %s", key)
	}
	proof := InclusionProof{LeafPath: key, LeafHash: t.leaves[i].Digest, MerkleRoot: t.Root}
	for _, row := range t.levels[:len(t.levels)-1] {
		switch {
		case i%2 == 1:
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", SiblingHash: row[i-1].String()})
		case i+1 < len(row):
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", SiblingHash: row[i+1].String()})
		}
		i /= 2
	}
	return proof, nil
}

// VerifyInclusionProof checks proof against a trusted root. An empty
// expectedRoot trusts proof.MerkleRoot.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	current, ok := parseDigest(proof.LeafHash)
	if !ok {
		return false
	}
	for _, step := range proof.ProofPath {
		sib, ok := parseDigest(step.SiblingHash)
		if !ok {
			return false
		}
		switch step.Side {
		case "L":
			current = branchDigest(sib, current)
		case "R":
			current = branchDigest(current, sib)
		default:
			return false
		}
	}
	return strings.EqualFold(current.String(), proof.MerkleRoot)
}

// LeafHashOf recomputes the digest of a canonical value committed at key,
// for checking a claimed value against a proof.
func LeafHashOf(key string, canonical []byte) string {
	return entryDigest(key, canonical).String()
}
