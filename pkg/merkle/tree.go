// Package merkle commits to a keyed world state (principals, artifacts,
// the event head and the auction) with a binary hash tree. A checkpoint is
// identified by the tree's root, and any single state entry can be proven
// against it without shipping the rest of the snapshot.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/canonicalize"
)

// Domain tags keep an entry digest from ever colliding with a branch digest.
const (
	entryDomain  = "ecology:state:leaf:v1"
	branchDomain = "ecology:state:node:v1"
)

type digest [sha256.Size]byte

func (d digest) String() string { return hex.EncodeToString(d[:]) }

func parseDigest(s string) (digest, bool) {
	var d digest
	n, err := hex.Decode(d[:], []byte(s))
	return d, err == nil && n == len(d)
}

// StateLeaf is one committed state entry.
type StateLeaf struct {
	Key    string // e.g. /principals/alice
	Digest string
}

// Tree is a commitment over a set of state entries ordered by key. An odd
// branch at the end of a level is carried up unchanged rather than paired
// with itself.
type Tree struct {
	Root   string
	leaves []StateLeaf
	levels [][]digest // levels[0] holds the entry digests; the last holds the root
	slot   map[string]int
}

// Build commits to state, a map from entry key to any JSON-encodable value.
// Values are hashed in RFC 8785 canonical form so map ordering never moves
// the root.
func Build(state map[string]any) (*Tree, error) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := &Tree{
		leaves: make([]StateLeaf, len(keys)),
		slot:   make(map[string]int, len(keys)),
	}
	row := make([]digest, len(keys))
	for i, key := range keys {
		canon, err := canonicalize.JCS(state[key])
		if err != nil {
			return nil, fmt.Errorf("merkle: entry %s: %w", key, err)
		}
		row[i] = entryDigest(key, canon)
		t.leaves[i] = StateLeaf{Key: key, Digest: row[i].String()}
		t.slot[key] = i
	}

	if len(row) == 0 {
		t.Root = digest(sha256.Sum256([]byte(entryDomain))).String()
		return t, nil
	}
	t.levels = append(t.levels, row)
	for len(row) > 1 {
		row = fold(row)
		t.levels = append(t.levels, row)
	}
	t.Root = row[0].String()
	return t, nil
}

// Leaves returns the committed entries in key order.
func (t *Tree) Leaves() []StateLeaf {
	return append([]StateLeaf(nil), t.leaves...)
}

// Leaf looks up the entry committed under key.
func (t *Tree) Leaf(key string) (StateLeaf, bool) {
	i, ok := t.slot[key]
	if !ok {
		return StateLeaf{}, false
	}
	return t.leaves[i], true
}

// fold pairs adjacent digests into the next level up.
func fold(row []digest) []digest {
	up := make([]digest, 0, (len(row)+1)/2)
	for i := 0; i+1 < len(row); i += 2 {
		up = append(up, branchDigest(row[i], row[i+1]))
	}
	if len(row)%2 == 1 {
		up = append(up, row[len(row)-1])
	}
	return up
}

func entryDigest(key string, canonical []byte) digest {
	h := sha256.New()
	h.Write([]byte(entryDomain))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(canonical)
	var d digest
	h.Sum(d[:0])
	return d
}

func branchDigest(left, right digest) digest {
	h := sha256.New()
	h.Write([]byte(branchDomain))
	h.Write([]byte{0})
	h.Write(left[:])
	h.Write(right[:])
	var d digest
	h.Sum(d[:0])
	return d
}
